package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

type refreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenHandlers exposes refresh-token rotation and logout.
type TokenHandlers struct {
	tokens services.TokenService
}

// NewTokenHandlers constructs token handlers.
func NewTokenHandlers(tokens services.TokenService) *TokenHandlers {
	return &TokenHandlers{tokens: tokens}
}

// Routes registers the /auth endpoints. The refresh token is the credential, so no bearer is
// required.
func (h *TokenHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)
}

func (h *TokenHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := h.readToken(w, r)
	if !ok {
		return
	}
	pair, err := h.tokens.Refresh(ctx, token)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"accessToken":      pair.AccessToken,
		"accessExpiresAt":  formatTime(pair.AccessExpiresAt),
		"refreshToken":     pair.RefreshToken,
		"refreshExpiresAt": formatTime(pair.RefreshExpiresAt),
	})
}

func (h *TokenHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := h.readToken(w, r)
	if !ok {
		return
	}
	if err := h.tokens.Revoke(ctx, token); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TokenHandlers) readToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.tokens == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Token service is unavailable"))
		return "", false
	}
	var req refreshTokenRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return "", false
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		httpx.WriteError(ctx, w, httpx.BadRequest("Validation failed").WithErrors(httpx.FieldError{Field: "refreshToken", Message: "is required"}))
		return "", false
	}
	return token, true
}
