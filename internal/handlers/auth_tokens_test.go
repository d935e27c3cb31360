package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/services"
)

func newTokenRouter(h *TokenHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/auth", h.Routes)
	return router
}

func TestTokenHandlersRefresh(t *testing.T) {
	expires := time.Date(2024, 7, 1, 0, 15, 0, 0, time.UTC)
	tokens := &stubTokenService{
		refreshFunc: func(_ context.Context, token string) (services.TokenPair, error) {
			if token != "rt_old.secret" {
				t.Fatalf("unexpected token %q", token)
			}
			return services.TokenPair{
				AccessToken:      "access",
				AccessExpiresAt:  expires,
				RefreshToken:     "rt_new.secret",
				RefreshExpiresAt: expires.Add(30 * 24 * time.Hour),
			}, nil
		},
	}
	router := newTokenRouter(NewTokenHandlers(tokens))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refreshToken":" rt_old.secret "}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["accessToken"] != "access" || body["refreshToken"] != "rt_new.secret" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["accessExpiresAt"] != expires.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected expiry %q", body["accessExpiresAt"])
	}
}

func TestTokenHandlersRefreshRevokedToken(t *testing.T) {
	tokens := &stubTokenService{
		refreshFunc: func(context.Context, string) (services.TokenPair, error) {
			return services.TokenPair{}, fmt.Errorf("%w: token revoked", services.ErrTokenInvalid)
		},
	}
	router := newTokenRouter(NewTokenHandlers(tokens))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{"refreshToken":"rt_old.secret"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestTokenHandlersRefreshRequiresToken(t *testing.T) {
	router := newTokenRouter(NewTokenHandlers(&stubTokenService{}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/refresh", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body := decodeError(t, rr); len(body.Errors) != 1 || body.Errors[0].Field != "refreshToken" {
		t.Fatalf("expected refreshToken field error, got %+v", body.Errors)
	}
}

func TestTokenHandlersLogout(t *testing.T) {
	var revoked string
	tokens := &stubTokenService{
		revokeFunc: func(_ context.Context, token string) error {
			revoked = token
			return nil
		},
	}
	router := newTokenRouter(NewTokenHandlers(tokens))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(`{"refreshToken":"rt_1.secret"}`)))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if revoked != "rt_1.secret" {
		t.Fatalf("unexpected revoked token %q", revoked)
	}
}
