package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// MetadataOrderID is the gateway metadata key that binds a gateway order to a storefront order.
const MetadataOrderID = "order_id"

var (
	// ErrInvalidAmount is returned when a gateway order is requested for a non-positive amount.
	ErrInvalidAmount = errors.New("payments: amount must be positive")
	// ErrGatewayOrderNotFound is returned when the gateway has no order with the requested id.
	ErrGatewayOrderNotFound = errors.New("payments: gateway order not found")
)

// GatewayOrderRequest describes a payment order to open with the gateway.
type GatewayOrderRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Receipt        string
	IdempotencyKey string
	Metadata       map[string]string
}

// GatewayOrder is the gateway-side view of a payment order. PaymentID is the settled payment and
// stays empty until the customer pays.
type GatewayOrder struct {
	ID           string
	Amount       decimal.Decimal
	AmountMinor  int64
	Currency     string
	ClientSecret string
	Status       string
	PaymentID    string
	Paid         bool
	Metadata     map[string]string
}

// OrderRef returns the storefront order the gateway order was opened for, if any.
func (o GatewayOrder) OrderRef() string {
	return o.Metadata[MetadataOrderID]
}

// Gateway opens payment orders with an external payment service provider and reads them back.
type Gateway interface {
	CreateOrder(ctx context.Context, req GatewayOrderRequest) (GatewayOrder, error)
	FetchOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error)
}

// ToMinorUnits converts a major-unit amount to the integer minor units gateways expect.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
