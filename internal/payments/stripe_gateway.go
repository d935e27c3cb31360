package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const defaultCurrency = "inr"

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Currency  string
	Backends  *stripe.Backends
	Logger    StripeLogger
	intents   stripePaymentIntentAPI
}

// StripeGateway opens gateway orders as Stripe PaymentIntents.
type StripeGateway struct {
	intents  stripePaymentIntentAPI
	account  string
	currency string
	logger   StripeLogger
}

// NewStripeGateway constructs a Stripe-backed Gateway.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents:  intents,
		account:  strings.TrimSpace(cfg.AccountID),
		currency: currency,
		logger:   logger,
	}, nil
}

// CreateOrder creates a PaymentIntent for the requested amount.
func (g *StripeGateway) CreateOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error) {
	minor := ToMinorUnits(req.Amount)
	if minor <= 0 {
		return GatewayOrder{}, ErrInvalidAmount
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
	}
	if receipt := strings.TrimSpace(req.Receipt); receipt != "" {
		params.AddMetadata("receipt", receipt)
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return GatewayOrder{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      string(intent.Currency),
	})

	return fromPaymentIntent(intent), nil
}

// FetchOrder reads a PaymentIntent back. The latest charge is reported as the payment id and the
// order counts as paid once the intent has succeeded.
func (g *StripeGateway) FetchOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return GatewayOrder{}, ErrGatewayOrderNotFound
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return GatewayOrder{}, fmt.Errorf("%w: %s", ErrGatewayOrderNotFound, id)
		}
		return GatewayOrder{}, fmt.Errorf("stripe: fetch payment intent: %w", err)
	}
	return fromPaymentIntent(intent), nil
}

func fromPaymentIntent(intent *stripe.PaymentIntent) GatewayOrder {
	order := GatewayOrder{
		ID:           intent.ID,
		Amount:       decimal.New(intent.Amount, -2),
		AmountMinor:  intent.Amount,
		Currency:     string(intent.Currency),
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Paid:         intent.Status == stripe.PaymentIntentStatusSucceeded,
		Metadata:     maps.Clone(intent.Metadata),
	}
	if intent.LatestCharge != nil {
		order.PaymentID = intent.LatestCharge.ID
	}
	return order
}
