package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

// ProductCacheInvalidator drops cached catalog entries.
type ProductCacheInvalidator interface {
	Invalidate(ctx context.Context, productIDs ...string) error
}

type wholesaleSettingsRequest struct {
	DiscountPercent *decimal.Decimal `json:"discountPercent"`
	TaxPercent      *decimal.Decimal `json:"taxPercent"`
	ShippingCharge  *decimal.Decimal `json:"shippingCharge"`
	Version         int64            `json:"version"`
}

type wholesaleSettingsPayload struct {
	DiscountPercent string `json:"discountPercent"`
	TaxPercent      string `json:"taxPercent"`
	ShippingCharge  string `json:"shippingCharge"`
	Version         int64  `json:"version"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
	UpdatedBy       string `json:"updatedBy,omitempty"`
}

// AdminHandlers exposes admin-only maintenance endpoints.
type AdminHandlers struct {
	authn    *auth.Authenticator
	settings services.WholesaleSettingsService
	cache    ProductCacheInvalidator
}

// NewAdminHandlers constructs admin handlers. cache may be nil when the catalog is not cached.
func NewAdminHandlers(authn *auth.Authenticator, settings services.WholesaleSettingsService, cache ProductCacheInvalidator) *AdminHandlers {
	return &AdminHandlers{authn: authn, settings: settings, cache: cache}
}

// Routes registers the /admin endpoints behind the admin role.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Use(auth.RequireRole(auth.RoleAdmin))
	r.Get("/wholesale-settings", h.getWholesaleSettings)
	r.Put("/wholesale-settings", h.updateWholesaleSettings)
	r.Delete("/product-cache/{productId}", h.invalidateProduct)
}

func (h *AdminHandlers) getWholesaleSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settings == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Settings service is unavailable"))
		return
	}
	settings, err := h.settings.Current(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSettingsPayload(settings))
}

func (h *AdminHandlers) updateWholesaleSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settings == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Settings service is unavailable"))
		return
	}
	var req wholesaleSettingsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var missing []httpx.FieldError
	for field, value := range map[string]*decimal.Decimal{
		"discountPercent": req.DiscountPercent,
		"taxPercent":      req.TaxPercent,
		"shippingCharge":  req.ShippingCharge,
	} {
		if value == nil {
			missing = append(missing, httpx.FieldError{Field: field, Message: "is required"})
		}
	}
	if len(missing) > 0 {
		sortFieldErrors(missing)
		httpx.WriteError(ctx, w, httpx.BadRequest("Validation failed").WithErrors(missing...))
		return
	}

	actor, _ := actorFromContext(ctx)
	saved, err := h.settings.Update(ctx, services.UpdateWholesaleSettingsCommand{
		DiscountPercent: *req.DiscountPercent,
		TaxPercent:      *req.TaxPercent,
		ShippingCharge:  *req.ShippingCharge,
		ExpectedVersion: req.Version,
		ActorID:         actor.ID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildSettingsPayload(saved))
}

func (h *AdminHandlers) invalidateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cache == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productId"))
	if err := h.cache.Invalidate(ctx, productID); err != nil {
		requestctx.Logger(ctx).Warn("product cache invalidation failed", zap.String("product_id", productID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Unavailable("Product cache is unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func buildSettingsPayload(settings services.WholesaleSettings) wholesaleSettingsPayload {
	return wholesaleSettingsPayload{
		DiscountPercent: settings.DiscountPercent.String(),
		TaxPercent:      settings.TaxPercent.String(),
		ShippingCharge:  money(settings.ShippingCharge),
		Version:         settings.Version,
		UpdatedAt:       formatTime(settings.UpdatedAt),
		UpdatedBy:       settings.UpdatedBy,
	}
}

func sortFieldErrors(errs []httpx.FieldError) {
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0 && errs[j].Field < errs[j-1].Field; j-- {
			errs[j], errs[j-1] = errs[j-1], errs[j]
		}
	}
}
