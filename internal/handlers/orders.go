package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	multipartMemory        = 1 << 20
	multipartOverheadBytes = 1 << 20
	screenshotField        = "paymentScreenshot"
)

type createOrderRequest struct {
	ShippingDetails json.RawMessage `json:"shippingDetails"`
	PaymentMethod   string          `json:"paymentMethod"`
}

type orderReasonRequest struct {
	Reason string `json:"reason"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

// OrderHandlers exposes checkout and order lifecycle endpoints.
type OrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderService
	idempotent func(http.Handler) http.Handler
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithOrderIdempotency guards order creation with the supplied replay middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderOption {
	return func(h *OrderHandlers) {
		h.idempotent = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.With(guard(h.idempotent)).Post("/create", h.createRetail)
	r.With(guard(h.idempotent)).Post("/wholesale/create", h.createWholesale)
	r.Get("/", h.listOrders)
	r.With(auth.RequireRole(auth.RoleAdmin)).Put("/admin/{orderId}/status", h.setStatus)
	r.Get("/{orderId}", h.getOrder)
	r.Put("/{orderId}/cancel", h.cancelOrder)
	r.Put("/{orderId}/return", h.returnOrder)
}

func (h *OrderHandlers) createRetail(w http.ResponseWriter, r *http.Request) {
	if h.ready(w, r) {
		h.create(w, r, h.orders.Create)
	}
}

func (h *OrderHandlers) createWholesale(w http.ResponseWriter, r *http.Request) {
	if h.ready(w, r) {
		h.create(w, r, h.orders.CreateWholesale)
	}
}

func (h *OrderHandlers) create(w http.ResponseWriter, r *http.Request, place func(context.Context, services.CreateOrderCommand) (services.Order, error)) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}

	cmd, cleanup, err := parseCreateOrder(w, r)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("Request body too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.BadRequest(clientMessage(err)))
		return
	}
	cmd.UserID = actor.ID

	order, err := place(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}

// parseCreateOrder accepts either a multipart form, where shippingDetails is a JSON string and the
// screenshot an optional file part, or a plain JSON body.
func parseCreateOrder(w http.ResponseWriter, r *http.Request) (services.CreateOrderCommand, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req createOrderRequest
		if err := decodeJSONBody(r, &req); err != nil {
			return services.CreateOrderCommand{}, nil, err
		}
		shipping, err := decodeShippingDetails(req.ShippingDetails)
		if err != nil {
			return services.CreateOrderCommand{}, nil, err
		}
		return services.CreateOrderCommand{
			ShippingDetails: shipping,
			PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		}, nil, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, services.MaxScreenshotBytes+multipartOverheadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return services.CreateOrderCommand{}, nil, err
	}
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	shipping, err := decodeShippingDetails(json.RawMessage(r.FormValue("shippingDetails")))
	if err != nil {
		return services.CreateOrderCommand{}, cleanup, err
	}
	cmd := services.CreateOrderCommand{
		ShippingDetails: shipping,
		PaymentMethod:   domain.PaymentMethod(strings.ToLower(strings.TrimSpace(r.FormValue("paymentMethod")))),
	}

	file, header, err := r.FormFile(screenshotField)
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return services.CreateOrderCommand{}, cleanup, err
	default:
		closers = append(closers, func() { _ = file.Close() })
		cmd.Screenshot = screenshotFromPart(file, header)
	}
	return cmd, cleanup, nil
}

func screenshotFromPart(file multipart.File, header *multipart.FileHeader) *services.ScreenshotUpload {
	return &services.ScreenshotUpload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}
}

func decodeShippingDetails(raw json.RawMessage) (domain.ShippingDetails, error) {
	var shipping domain.ShippingDetails
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return shipping, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return shipping, errors.New("shippingDetails must be a JSON object")
		}
		trimmed = encoded
	}
	if err := json.Unmarshal([]byte(trimmed), &shipping); err != nil {
		return shipping, errors.New("shippingDetails must be a JSON object")
	}
	return shipping, nil
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	pageSize := defaultOrderPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.BadRequest("limit must be an integer"))
			return
		}
		switch {
		case size <= 0:
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	orders, err := h.orders.ListForUser(ctx, actor.ID, pageSize)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderId"), actor)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) setStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(w, r) {
		return
	}
	actor, _ := actorFromContext(ctx)
	var req orderStatusRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	order, err := h.orders.SetStatus(ctx, services.SetOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Status:  domain.OrderStatus(req.Status),
		ActorID: actor.ID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.ready(w, r) {
		h.withReason(w, r, h.orders.Cancel)
	}
}

func (h *OrderHandlers) returnOrder(w http.ResponseWriter, r *http.Request) {
	if h.ready(w, r) {
		h.withReason(w, r, h.orders.InitiateReturn)
	}
}

func (h *OrderHandlers) withReason(w http.ResponseWriter, r *http.Request, apply func(context.Context, services.OrderReasonCommand) (services.Order, error)) {
	ctx := r.Context()
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	var req orderReasonRequest
	if err := decodeJSONBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	order, err := apply(ctx, services.OrderReasonCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Actor:   actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) ready(w http.ResponseWriter, r *http.Request) bool {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.Unavailable("Order service is unavailable"))
		return false
	}
	return true
}
