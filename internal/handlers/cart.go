package handlers

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const (
	defaultSessionRateLimit  = 30
	defaultSessionRateWindow = time.Minute
)

type cartLineRequest struct {
	Product  string `json:"product"`
	Quantity *int   `json:"quantity"`
	Size     string `json:"size"`
	Color    string `json:"color"`
}

type transferRequest struct {
	UserID string `json:"userId"`
}

// CartHandlers exposes the guest cart and user cart endpoints.
type CartHandlers struct {
	authn          *auth.Authenticator
	carts          services.CartService
	guests         services.GuestSessionService
	sessionLimiter rateLimiter
	clock          func() time.Time
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithSessionRateLimit bounds guest session creation per client IP. A non-positive limit disables
// the limiter.
func WithSessionRateLimit(limit int, window time.Duration) CartOption {
	return func(h *CartHandlers) {
		h.sessionLimiter = newSimpleRateLimiter(limit, window, h.clock)
	}
}

// NewCartHandlers constructs cart handlers. authn may be nil when an outer middleware already
// authenticates requests.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, guests services.GuestSessionService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn:  authn,
		carts:  carts,
		guests: guests,
		clock:  time.Now,
	}
	h.sessionLimiter = newSimpleRateLimiter(defaultSessionRateLimit, defaultSessionRateWindow, h.clock)
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// GuestRoutes registers the /guest-cart endpoints. Only the transfer endpoint requires a bearer
// token.
func (h *CartHandlers) GuestRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/session", h.createSession)
	r.Route("/{sessionId}", func(r chi.Router) {
		r.Get("/", h.getGuestCart)
		r.Post("/add", h.addGuestLine)
		r.Put("/update", h.updateGuestLine)
		r.Delete("/remove/{productId}", h.removeGuestLine)
		r.Delete("/clear", h.clearGuestCart)
		r.Group(func(r chi.Router) {
			if h.authn != nil {
				r.Use(h.authn.RequireAuth())
			}
			r.Post("/transfer", h.transferGuestCart)
		})
	})
}

// Routes registers the /cart endpoints. Every route is scoped to {userId} and requires the caller
// to own it or hold the admin role.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Route("/{userId}", func(r chi.Router) {
		r.Use(auth.RequireOwnerOrRole("userId", auth.RoleAdmin))
		r.Get("/", h.getUserCart)
		r.Post("/add", h.addUserLine)
		r.Put("/update", h.updateUserLine)
		r.Delete("/remove/{productId}", h.removeUserLine)
		r.Delete("/clear", h.clearUserCart)
		r.Post("/sanitize", h.sanitizeUserCart)
	})
}

func (h *CartHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.guests == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Guest sessions are unavailable"))
		return
	}
	if h.sessionLimiter != nil {
		if ok, retryAfter := h.sessionLimiter.Allow(clientKey(r)); !ok {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			httpx.WriteError(ctx, w, httpx.NewError("Too many requests", http.StatusTooManyRequests))
			return
		}
	}
	session, err := h.guests.NewSession(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"sessionId": session.SessionID,
		"expiresAt": formatTime(session.ExpiresAt),
	})
}

func (h *CartHandlers) getGuestCart(w http.ResponseWriter, r *http.Request) {
	h.getCart(w, r, guestOwner(r))
}

func (h *CartHandlers) addGuestLine(w http.ResponseWriter, r *http.Request) {
	h.addLine(w, r, guestOwner(r))
}

func (h *CartHandlers) updateGuestLine(w http.ResponseWriter, r *http.Request) {
	h.updateLine(w, r, guestOwner(r))
}

func (h *CartHandlers) removeGuestLine(w http.ResponseWriter, r *http.Request) {
	h.removeLine(w, r, guestOwner(r))
}

func (h *CartHandlers) clearGuestCart(w http.ResponseWriter, r *http.Request) {
	h.clearCart(w, r, guestOwner(r))
}

func (h *CartHandlers) getUserCart(w http.ResponseWriter, r *http.Request) {
	h.getCart(w, r, userOwner(r))
}

func (h *CartHandlers) addUserLine(w http.ResponseWriter, r *http.Request) {
	h.addLine(w, r, userOwner(r))
}

func (h *CartHandlers) updateUserLine(w http.ResponseWriter, r *http.Request) {
	h.updateLine(w, r, userOwner(r))
}

func (h *CartHandlers) removeUserLine(w http.ResponseWriter, r *http.Request) {
	h.removeLine(w, r, userOwner(r))
}

func (h *CartHandlers) clearUserCart(w http.ResponseWriter, r *http.Request) {
	h.clearCart(w, r, userOwner(r))
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	cart, err := h.carts.Get(ctx, owner)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) addLine(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req cartLineRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	quantity := 1
	if req.Quantity != nil {
		quantity = *req.Quantity
	}
	cart, err := h.carts.AddLine(ctx, services.CartLineCommand{
		Owner:     owner,
		ProductID: strings.TrimSpace(req.Product),
		Quantity:  quantity,
		Size:      strings.TrimSpace(req.Size),
		Color:     strings.TrimSpace(req.Color),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) updateLine(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	var req cartLineRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.Quantity == nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("Validation failed").WithErrors(httpx.FieldError{Field: "quantity", Message: "is required"}))
		return
	}
	cart, err := h.carts.UpdateLine(ctx, services.CartLineCommand{
		Owner:     owner,
		ProductID: strings.TrimSpace(req.Product),
		Quantity:  *req.Quantity,
		Size:      strings.TrimSpace(req.Size),
		Color:     strings.TrimSpace(req.Color),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) removeLine(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	query := r.URL.Query()
	cart, err := h.carts.RemoveLine(ctx, services.RemoveCartLineCommand{
		Owner: owner,
		Line: services.LineKey{
			ProductID: strings.TrimSpace(chi.URLParam(r, "productId")),
			Size:      strings.TrimSpace(query.Get("size")),
			Color:     strings.TrimSpace(query.Get("color")),
		},
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	cart, err := h.carts.Clear(ctx, owner)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCart(w, http.StatusOK, cart)
}

func (h *CartHandlers) sanitizeUserCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	result, err := h.carts.Sanitize(ctx, userOwner(r))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"removed": result.Removed,
		"cart":    buildCartPayload(result.Cart),
	})
}

func (h *CartHandlers) transferGuestCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.guests == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Guest sessions are unavailable"))
		return
	}
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	var req transferRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = actor.ID
	}
	if !actor.CanAccess(userID) {
		httpx.WriteError(ctx, w, httpx.Forbidden("Not authorized to access this resource"))
		return
	}

	result, err := h.guests.MergeIntoUser(ctx, services.MergeGuestCartCommand{
		SessionID: chi.URLParam(r, "sessionId"),
		UserID:    userID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := map[string]any{
		"merged":       result.Merged,
		"mergedItems":  result.MergedLines,
		"droppedItems": result.DroppedLines,
	}
	if result.Merged {
		payload["cart"] = buildCartPayload(result.Cart)
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CartHandlers) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.carts == nil {
		httpx.WriteError(r.Context(), w, httpx.Unavailable("Cart service is unavailable"))
		return false
	}
	return true
}

func writeCart(w http.ResponseWriter, status int, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, status, buildCartPayload(cart))
}

func guestOwner(r *http.Request) domain.OwnerKey {
	return domain.GuestOwner(chi.URLParam(r, "sessionId"))
}

func userOwner(r *http.Request) domain.OwnerKey {
	return domain.UserOwner(chi.URLParam(r, "userId"))
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
