package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/services"
)

const maxWebhookBodySize = 64 * 1024

type createGatewayOrderRequest struct {
	Amount  *decimal.Decimal `json:"amount"`
	OrderID string           `json:"orderId"`
}

type verifyPaymentRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
	OrderID          string `json:"orderId"`
}

// WebhookParser authenticates a gateway webhook delivery and returns the gateway order it reports.
type WebhookParser interface {
	Parse(payload []byte, signatureHeader string) (payments.GatewayOrder, error)
}

// PaymentHandlers exposes the gateway order, callback verification and webhook endpoints.
type PaymentHandlers struct {
	authn      *auth.Authenticator
	payments   services.PaymentService
	webhook    WebhookParser
	idempotent func(http.Handler) http.Handler
}

// PaymentOption customises PaymentHandlers.
type PaymentOption func(*PaymentHandlers)

// WithPaymentIdempotency guards gateway order creation with the supplied replay middleware.
func WithPaymentIdempotency(mw func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.idempotent = mw
	}
}

// WithPaymentWebhook enables POST /payments/webhook using parser to authenticate deliveries.
func WithPaymentWebhook(parser WebhookParser) PaymentOption {
	return func(h *PaymentHandlers) {
		h.webhook = parser
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{authn: authn, payments: payments}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook", h.receiveWebhook)
	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireAuth())
		}
		r.With(guard(h.idempotent)).Post("/create-order", h.createOrder)
		r.Post("/verify-payment", h.verifyPayment)
	})
}

func (h *PaymentHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Payment service is unavailable"))
		return
	}
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	var req createGatewayOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.Amount == nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("Validation failed").WithErrors(httpx.FieldError{Field: "amount", Message: "is required"}))
		return
	}

	order, err := h.payments.CreateGatewayOrder(ctx, services.CreateGatewayOrderCommand{
		Amount:  *req.Amount,
		OrderID: req.OrderID,
		Actor:   actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"id":           order.ID,
		"amount":       money(order.Amount),
		"amountMinor":  order.AmountMinor,
		"currency":     order.Currency,
		"clientSecret": order.ClientSecret,
		"status":       order.Status,
	})
}

func (h *PaymentHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Payment service is unavailable"))
		return
	}
	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.Unauthorized("Not authorized"))
		return
	}
	var req verifyPaymentRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.payments.VerifyPayment(ctx, services.VerifyPaymentCommand{
		OrderID:          req.OrderID,
		GatewayOrderID:   req.GatewayOrderID,
		GatewayPaymentID: req.GatewayPaymentID,
		Signature:        req.Signature,
		Actor:            actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Payment verified successfully",
		"order":   buildOrderPayload(order),
	})
}

// receiveWebhook settles orders from signed gateway events. Events the service does not act on are
// acknowledged so the gateway stops redelivering them.
func (h *PaymentHandlers) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil || h.webhook == nil {
		httpx.WriteError(ctx, w, httpx.Unavailable("Payment webhook is not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.BadRequest("Invalid webhook payload"))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("Request body too large", http.StatusRequestEntityTooLarge))
		return
	}

	gw, err := h.webhook.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrEventIgnored):
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	case errors.Is(err, payments.ErrWebhookSignature):
		httpx.WriteError(ctx, w, httpx.BadRequest("Invalid webhook signature"))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.BadRequest("Invalid webhook payload"))
		return
	}

	if _, err := h.payments.ConfirmGatewayPayment(ctx, gw); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}
