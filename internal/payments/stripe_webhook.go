package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeEventPaymentSucceeded = "payment_intent.succeeded"

var (
	// ErrWebhookSignature is returned when a webhook payload is unsigned, stale or signed with
	// another secret.
	ErrWebhookSignature = errors.New("payments: invalid webhook signature")
	// ErrEventIgnored is returned for well-formed events that do not settle a payment.
	ErrEventIgnored = errors.New("payments: event ignored")
)

// StripeWebhook authenticates Stripe webhook deliveries with the endpoint signing secret.
type StripeWebhook struct {
	secret string
}

// NewStripeWebhook constructs a webhook parser for the endpoint signing secret.
func NewStripeWebhook(secret string) (*StripeWebhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook signing secret is required")
	}
	return &StripeWebhook{secret: secret}, nil
}

// Parse verifies the Stripe-Signature header and returns the settled gateway order carried by a
// payment_intent.succeeded event. Other event types yield ErrEventIgnored.
func (w *StripeWebhook) Parse(payload []byte, signatureHeader string) (GatewayOrder, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	if string(event.Type) != stripeEventPaymentSucceeded {
		return GatewayOrder{}, fmt.Errorf("%w: %s", ErrEventIgnored, event.Type)
	}
	if event.Data == nil {
		return GatewayOrder{}, fmt.Errorf("stripe: event %s has no data", event.ID)
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return GatewayOrder{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	return fromPaymentIntent(&intent), nil
}
