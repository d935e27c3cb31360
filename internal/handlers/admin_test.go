package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

type stubInvalidator struct {
	ids []string
	err error
}

func (s *stubInvalidator) Invalidate(_ context.Context, ids ...string) error {
	s.ids = append(s.ids, ids...)
	return s.err
}

func newAdminRouter(h *AdminHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", h.Routes)
	return router
}

func TestAdminHandlersRequireAdminRole(t *testing.T) {
	settings := &stubSettingsService{
		currentFunc: func(context.Context) (services.WholesaleSettings, error) {
			t.Fatalf("service must not be called")
			return services.WholesaleSettings{}, nil
		},
	}
	router := newAdminRouter(NewAdminHandlers(nil, settings, nil))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/admin/wholesale-settings", nil), "user-7", auth.RoleUser)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/wholesale-settings", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
}

func TestAdminHandlersGetWholesaleSettings(t *testing.T) {
	settings := &stubSettingsService{
		currentFunc: func(context.Context) (services.WholesaleSettings, error) {
			return services.WholesaleSettings{
				DiscountPercent: decimal.NewFromInt(10),
				TaxPercent:      decimal.NewFromInt(18),
				ShippingCharge:  decimal.NewFromInt(100),
				Version:         3,
				UpdatedAt:       time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
				UpdatedBy:       "admin-1",
			}, nil
		},
	}
	router := newAdminRouter(NewAdminHandlers(nil, settings, nil))

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/admin/wholesale-settings", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body wholesaleSettingsPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DiscountPercent != "10" || body.TaxPercent != "18" || body.ShippingCharge != "100.00" || body.Version != 3 {
		t.Fatalf("unexpected settings %+v", body)
	}
}

func TestAdminHandlersUpdateWholesaleSettings(t *testing.T) {
	var captured services.UpdateWholesaleSettingsCommand
	settings := &stubSettingsService{
		updateFunc: func(_ context.Context, cmd services.UpdateWholesaleSettingsCommand) (services.WholesaleSettings, error) {
			captured = cmd
			return services.WholesaleSettings{
				DiscountPercent: cmd.DiscountPercent,
				TaxPercent:      cmd.TaxPercent,
				ShippingCharge:  cmd.ShippingCharge,
				Version:         cmd.ExpectedVersion + 1,
				UpdatedBy:       cmd.ActorID,
			}, nil
		},
	}
	router := newAdminRouter(NewAdminHandlers(nil, settings, nil))

	body := `{"discountPercent":"12.5","taxPercent":18,"shippingCharge":"75","version":2}`
	req := withIdentity(httptest.NewRequest(http.MethodPut, "/admin/wholesale-settings", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !captured.DiscountPercent.Equal(decimal.RequireFromString("12.5")) || captured.ExpectedVersion != 2 || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	var resp wholesaleSettingsPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != 3 || resp.UpdatedBy != "admin-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAdminHandlersUpdateWholesaleSettingsMissingFields(t *testing.T) {
	router := newAdminRouter(NewAdminHandlers(nil, &stubSettingsService{}, nil))

	req := withIdentity(httptest.NewRequest(http.MethodPut, "/admin/wholesale-settings", strings.NewReader(`{"taxPercent":18}`)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	body := decodeError(t, rr)
	if len(body.Errors) != 2 || body.Errors[0].Field != "discountPercent" || body.Errors[1].Field != "shippingCharge" {
		t.Fatalf("unexpected field errors %+v", body.Errors)
	}
}

func TestAdminHandlersUpdateWholesaleSettingsConflict(t *testing.T) {
	settings := &stubSettingsService{
		updateFunc: func(context.Context, services.UpdateWholesaleSettingsCommand) (services.WholesaleSettings, error) {
			return services.WholesaleSettings{}, fmt.Errorf("%w: expected version 1", services.ErrSettingsConflict)
		},
	}
	router := newAdminRouter(NewAdminHandlers(nil, settings, nil))

	body := `{"discountPercent":10,"taxPercent":18,"shippingCharge":100,"version":1}`
	req := withIdentity(httptest.NewRequest(http.MethodPut, "/admin/wholesale-settings", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestAdminHandlersInvalidateProductCache(t *testing.T) {
	cache := &stubInvalidator{}
	router := newAdminRouter(NewAdminHandlers(nil, &stubSettingsService{}, cache))

	req := withIdentity(httptest.NewRequest(http.MethodDelete, "/admin/product-cache/prod-1", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(cache.ids) != 1 || cache.ids[0] != "prod-1" {
		t.Fatalf("unexpected invalidated ids %v", cache.ids)
	}

	cache.err = errors.New("redis down")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withIdentity(httptest.NewRequest(http.MethodDelete, "/admin/product-cache/prod-1", nil), "admin-1", auth.RoleAdmin))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when cache fails, got %d", rr.Code)
	}
}
