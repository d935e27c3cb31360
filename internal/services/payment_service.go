package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals malformed payment requests.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentInvalidSignature indicates the gateway callback signature did not match.
	ErrPaymentInvalidSignature = errors.New("payment: invalid signature")
	// ErrPaymentMismatch indicates the gateway record does not settle the order it was presented for.
	ErrPaymentMismatch = errors.New("payment: gateway payment does not match order")
)

// PaymentServiceDeps wires the gateway adapter, the signature verifier and the order store.
type PaymentServiceDeps struct {
	Orders      repositories.OrderRepository
	Gateway     payments.Gateway
	Verifier    *payments.SignatureVerifier
	Currency    string
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(context.Context, string, map[string]any)
}

type paymentService struct {
	orders        repositories.OrderRepository
	gateway       payments.Gateway
	verifier      *payments.SignatureVerifier
	currency      string
	clock         func() time.Time
	newID         func() string
	verifications metric.Int64Counter
	logger        func(context.Context, string, map[string]any)
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("payment service: signature verifier is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/storefront/api/internal/services")
	}
	verifications, err := meter.Int64Counter("payments.verifications", metric.WithDescription("Gateway payment verifications by outcome"))
	if err != nil {
		return nil, fmt.Errorf("payment service: register metric: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:        deps.Orders,
		gateway:       deps.Gateway,
		verifier:      deps.Verifier,
		currency:      strings.ToLower(strings.TrimSpace(deps.Currency)),
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		verifications: verifications,
		logger:        logger,
	}, nil
}

func (s *paymentService) CreateGatewayOrder(ctx context.Context, cmd CreateGatewayOrderCommand) (payments.GatewayOrder, error) {
	if !cmd.Amount.IsPositive() {
		return payments.GatewayOrder{}, fmt.Errorf("%w: amount must be greater than zero", ErrPaymentInvalidInput)
	}
	amount := cmd.Amount.Round(2)
	metadata := map[string]string{"user_id": cmd.Actor.ID}

	if orderID := strings.TrimSpace(cmd.OrderID); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return payments.GatewayOrder{}, mapPaymentRepositoryError(err)
		}
		if !cmd.Actor.CanAccess(order.UserID) {
			return payments.GatewayOrder{}, ErrOrderForbidden
		}
		switch {
		case order.Status == domain.OrderStatusCancelled:
			return payments.GatewayOrder{}, fmt.Errorf("%w: order is cancelled", ErrOrderInvalidState)
		case order.PaymentStatus == domain.PaymentStatusCompleted:
			return payments.GatewayOrder{}, fmt.Errorf("%w: order is already paid", ErrOrderInvalidState)
		}
		if !amount.Equal(order.Total.Round(2)) {
			return payments.GatewayOrder{}, fmt.Errorf("%w: amount does not match the order total", ErrPaymentInvalidInput)
		}
		metadata[payments.MetadataOrderID] = order.ID
	}

	receipt := "rcpt_" + strings.ToLower(s.newID())
	order, err := s.gateway.CreateOrder(ctx, payments.GatewayOrderRequest{
		Amount:         amount,
		Currency:       s.currency,
		Receipt:        receipt,
		IdempotencyKey: receipt,
		Metadata:       metadata,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidAmount) {
			return payments.GatewayOrder{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		return payments.GatewayOrder{}, fmt.Errorf("payment: create gateway order: %w", err)
	}
	return order, nil
}

// VerifyPayment checks the callback signature, reads the gateway order back and, when it settles
// this order, records the gateway identifiers and marks the order paid. Any mismatch leaves the
// order untouched.
func (s *paymentService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	paymentID := strings.TrimSpace(cmd.GatewayPaymentID)
	var problems violations
	if orderID == "" {
		problems.add("orderId", "is required")
	}
	if gatewayOrderID == "" {
		problems.add("gatewayOrderId", "is required")
	}
	if paymentID == "" {
		problems.add("gatewayPaymentId", "is required")
	}
	if strings.TrimSpace(cmd.Signature) == "" {
		problems.add("signature", "is required")
	}
	if err := problems.err(ErrPaymentInvalidInput); err != nil {
		return Order{}, err
	}

	if !s.verifier.Verify(gatewayOrderID, paymentID, cmd.Signature) {
		s.record(ctx, "invalid_signature")
		s.logger(ctx, "payment.verify.rejected", map[string]any{"order": orderID, "gatewayOrder": gatewayOrderID})
		return Order{}, ErrPaymentInvalidSignature
	}

	gw, err := s.gateway.FetchOrder(ctx, gatewayOrderID)
	if err != nil {
		if errors.Is(err, payments.ErrGatewayOrderNotFound) {
			s.record(ctx, "mismatch")
			return Order{}, fmt.Errorf("%w: unknown gateway order", ErrPaymentMismatch)
		}
		s.record(ctx, "gateway_error")
		return Order{}, fmt.Errorf("payment: fetch gateway order: %w", err)
	}

	actor := cmd.Actor
	return s.complete(ctx, orderID, &actor, gw, paymentID, cmd.Signature)
}

// ConfirmGatewayPayment settles the order a gateway order was opened for. It runs on behalf of the
// gateway itself, so no actor check applies.
func (s *paymentService) ConfirmGatewayPayment(ctx context.Context, gw payments.GatewayOrder) (Order, error) {
	orderID := strings.TrimSpace(gw.OrderRef())
	if orderID == "" {
		s.record(ctx, "mismatch")
		return Order{}, fmt.Errorf("%w: gateway order %s is not bound to an order", ErrPaymentMismatch, gw.ID)
	}
	return s.complete(ctx, orderID, nil, gw, gw.PaymentID, "")
}

func (s *paymentService) complete(ctx context.Context, orderID string, actor *Actor, gw payments.GatewayOrder, paymentID, signature string) (Order, error) {
	order, err := s.orders.Mutate(ctx, orderID, func(order *Order) error {
		if actor != nil && !actor.CanAccess(order.UserID) {
			return ErrOrderForbidden
		}
		if order.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: order is cancelled", ErrOrderInvalidState)
		}
		if order.Gateway != nil && order.PaymentStatus == domain.PaymentStatusCompleted {
			if order.Gateway.PaymentID == paymentID {
				return nil
			}
			return fmt.Errorf("%w: order is already paid", ErrOrderInvalidState)
		}
		if err := s.matches(*order, gw, paymentID); err != nil {
			return err
		}
		now := s.clock()
		order.PaymentStatus = domain.PaymentStatusCompleted
		order.Gateway = &domain.GatewayPayment{
			OrderID:    gw.ID,
			PaymentID:  paymentID,
			Signature:  strings.TrimSpace(signature),
			VerifiedAt: now,
		}
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPaymentMismatch) {
			s.record(ctx, "mismatch")
			s.logger(ctx, "payment.verify.mismatch", map[string]any{"order": orderID, "gatewayOrder": gw.ID, "error": err.Error()})
			return Order{}, err
		}
		s.record(ctx, "rejected")
		return Order{}, mapPaymentRepositoryError(err)
	}

	s.record(ctx, "verified")
	fields := map[string]any{"order": order.ID, "payment": paymentID}
	if actor != nil {
		fields["actor"] = actor.ID
	}
	s.logger(ctx, "payment.verified", fields)
	return order, nil
}

// matches reports whether the gateway order settles order with paymentID.
func (s *paymentService) matches(order Order, gw payments.GatewayOrder, paymentID string) error {
	if ref := gw.OrderRef(); ref != "" && ref != order.ID {
		return fmt.Errorf("%w: gateway order belongs to another order", ErrPaymentMismatch)
	}
	if gw.AmountMinor != payments.ToMinorUnits(order.Total) {
		return fmt.Errorf("%w: paid amount differs from the order total", ErrPaymentMismatch)
	}
	if s.currency != "" && gw.Currency != "" && !strings.EqualFold(gw.Currency, s.currency) {
		return fmt.Errorf("%w: currency %s is not accepted", ErrPaymentMismatch, gw.Currency)
	}
	if !gw.Paid {
		return fmt.Errorf("%w: gateway order is not paid", ErrPaymentMismatch)
	}
	if gw.PaymentID != "" && gw.PaymentID != paymentID {
		return fmt.Errorf("%w: payment id differs from the gateway record", ErrPaymentMismatch)
	}
	return nil
}

func mapPaymentRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return err
}

func (s *paymentService) record(ctx context.Context, outcome string) {
	s.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
