package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/storefront/api/internal/platform/httpx"
	"github.com/storefront/api/internal/platform/requestctx"
	"github.com/storefront/api/internal/services"
)

const maxJSONBodySize = 16 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

// writeServiceError maps service errors onto the API error envelope. Unclassified errors are
// logged with the request logger and answered with an opaque 500.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *services.ValidationError
	if errors.As(err, &validation) {
		fields := make([]httpx.FieldError, 0, len(validation.Fields))
		for _, f := range validation.Fields {
			fields = append(fields, httpx.FieldError{Field: f.Field, Message: f.Message})
		}
		httpx.WriteError(ctx, w, httpx.BadRequest("Validation failed").WithErrors(fields...))
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrBackendUnavailable):
		requestctx.Logger(ctx).Warn("backend unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Unavailable("Service temporarily unavailable"))
	case errors.Is(err, context.Canceled):
		httpx.WriteError(ctx, w, httpx.NewError("Request cancelled", 499))

	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NotFound("Cart not found"))
	case errors.Is(err, services.ErrCartLineNotFound):
		httpx.WriteError(ctx, w, httpx.NotFound("Item not found in cart"))
	case errors.Is(err, services.ErrProductNotFound):
		httpx.WriteError(ctx, w, httpx.NotFound("Product not found"))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NotFound("Order not found"))

	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.Forbidden("Not authorized to access this order"))
	case errors.Is(err, services.ErrTokenInvalid):
		httpx.WriteError(ctx, w, httpx.Unauthorized("Invalid refresh token"))

	case errors.Is(err, services.ErrCartConflict), errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.Conflict("Resource was modified concurrently, please retry"))
	case errors.Is(err, services.ErrSettingsConflict):
		httpx.WriteError(ctx, w, httpx.Conflict("Settings were updated by someone else, reload and retry"))

	case errors.Is(err, services.ErrOrderEmptyCart):
		httpx.WriteError(ctx, w, httpx.BadRequest("Cart is empty"))
	case errors.Is(err, services.ErrPaymentInvalidSignature):
		httpx.WriteError(ctx, w, httpx.BadRequest("Invalid payment signature"))
	case errors.Is(err, services.ErrPaymentMismatch):
		httpx.WriteError(ctx, w, httpx.BadRequest("Payment does not match the order"))
	case errors.Is(err, services.ErrProductUnavailable):
		httpx.WriteError(ctx, w, httpx.BadRequest("Product is unavailable"))
	case errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.BadRequest("Cart contains items that cannot be priced"))
	case errors.Is(err, services.ErrOrderInvalidState),
		errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput),
		errors.Is(err, services.ErrPaymentInvalidInput),
		errors.Is(err, services.ErrSettingsInvalidInput),
		errors.Is(err, services.ErrTokenInvalidInput),
		errors.Is(err, services.ErrGuestSessionInvalid):
		httpx.WriteError(ctx, w, httpx.BadRequest(clientMessage(err)))

	default:
		requestctx.Logger(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.Internal())
	}
}

// clientMessage strips the "<component>: <category>: " prefix chain from a sentinel-wrapped
// error, keeping the caller-facing detail. Only sentinels whose details never carry identifiers
// are routed here.
func clientMessage(err error) string {
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return "Invalid request"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r == nil || r.Body == nil {
		return errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodySize+1))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	if len(data) > maxJSONBodySize {
		return errBodyTooLarge
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.New("request body must be valid JSON")
	}
	return nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("Request body too large", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.BadRequest(clientMessage(err)))
}

func guard(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
