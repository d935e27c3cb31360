package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	params  *stripe.PaymentIntentParams
	intent  *stripe.PaymentIntent
	err     error
	fetched string
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.params = params
	return s.intent, s.err
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.fetched = id
	s.params = params
	return s.intent, s.err
}

func TestStripeGatewayCreateOrder(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		Amount:       123000,
		Currency:     stripe.Currency("inr"),
		ClientSecret: "pi_123_secret",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}}
	gateway, err := NewStripeGateway(StripeGatewayConfig{intents: api})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}

	order, err := gateway.CreateOrder(context.Background(), GatewayOrderRequest{
		Amount:  decimal.RequireFromString("1230.00"),
		Receipt: "ord_1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if got := *api.params.Amount; got != 123000 {
		t.Fatalf("expected amount in minor units, got %d", got)
	}
	if got := *api.params.Currency; got != "inr" {
		t.Fatalf("expected default currency inr, got %s", got)
	}
	if api.params.Metadata["receipt"] != "ord_1" {
		t.Fatalf("expected receipt metadata, got %v", api.params.Metadata)
	}
	if order.ID != "pi_123" || order.ClientSecret != "pi_123_secret" || order.AmountMinor != 123000 {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.Amount.Equal(decimal.RequireFromString("1230")) {
		t.Fatalf("unexpected major amount %s", order.Amount)
	}
}

func TestStripeGatewayRejectsNonPositiveAmount(t *testing.T) {
	api := &stubIntentAPI{}
	gateway, _ := NewStripeGateway(StripeGatewayConfig{intents: api})

	for _, amount := range []string{"0", "-5", "0.001"} {
		_, err := gateway.CreateOrder(context.Background(), GatewayOrderRequest{Amount: decimal.RequireFromString(amount)})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if api.params != nil {
		t.Fatalf("expected stripe not to be called")
	}
}

func TestStripeGatewayWrapsErrors(t *testing.T) {
	api := &stubIntentAPI{err: errors.New("card network down")}
	gateway, _ := NewStripeGateway(StripeGatewayConfig{intents: api})

	_, err := gateway.CreateOrder(context.Background(), GatewayOrderRequest{Amount: decimal.NewFromInt(10)})
	if err == nil || err.Error() != "stripe: create payment intent: card network down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewStripeGatewayRequiresKey(t *testing.T) {
	if _, err := NewStripeGateway(StripeGatewayConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestStripeGatewayFetchOrderReportsSettledIntent(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_9",
		Amount:       116200,
		Currency:     stripe.Currency("inr"),
		Status:       stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{ID: "ch_9"},
		Metadata:     map[string]string{MetadataOrderID: "ord_9"},
	}}
	gateway, _ := NewStripeGateway(StripeGatewayConfig{intents: api, AccountID: "acct_1"})

	order, err := gateway.FetchOrder(context.Background(), " pi_9 ")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if api.fetched != "pi_9" {
		t.Fatalf("expected trimmed id, got %q", api.fetched)
	}
	if api.params.StripeAccount == nil || *api.params.StripeAccount != "acct_1" {
		t.Fatalf("expected connected account header")
	}
	if !order.Paid || order.PaymentID != "ch_9" || order.AmountMinor != 116200 || order.OrderRef() != "ord_9" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestStripeGatewayFetchOrderPendingIntentIsUnpaid(t *testing.T) {
	api := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:     "pi_2",
		Amount: 500,
		Status: stripe.PaymentIntentStatusRequiresPaymentMethod,
	}}
	gateway, _ := NewStripeGateway(StripeGatewayConfig{intents: api})

	order, err := gateway.FetchOrder(context.Background(), "pi_2")
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if order.Paid || order.PaymentID != "" {
		t.Fatalf("expected unpaid order without payment id, got %+v", order)
	}
}

func TestStripeGatewayFetchOrderMissingIntent(t *testing.T) {
	api := &stubIntentAPI{err: &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such payment_intent"}}
	gateway, _ := NewStripeGateway(StripeGatewayConfig{intents: api})

	if _, err := gateway.FetchOrder(context.Background(), "pi_missing"); !errors.Is(err, ErrGatewayOrderNotFound) {
		t.Fatalf("expected ErrGatewayOrderNotFound, got %v", err)
	}
	if _, err := gateway.FetchOrder(context.Background(), "  "); !errors.Is(err, ErrGatewayOrderNotFound) {
		t.Fatalf("expected ErrGatewayOrderNotFound for blank id, got %v", err)
	}

	api.err = errors.New("timeout")
	_, err := gateway.FetchOrder(context.Background(), "pi_1")
	if err == nil || errors.Is(err, ErrGatewayOrderNotFound) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
