package services

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart              = domain.Cart
	CartLine          = domain.CartLine
	OwnerKey          = domain.OwnerKey
	Product           = domain.Product
	Order             = domain.Order
	OrderLine         = domain.OrderLine
	OrderStatus       = domain.OrderStatus
	OrderTier         = domain.OrderTier
	PaymentMethod     = domain.PaymentMethod
	ShippingDetails   = domain.ShippingDetails
	WholesaleSettings = domain.WholesaleSettings
	RefreshToken      = domain.RefreshToken
)

// LineKey identifies a cart line by its variant.
type LineKey struct {
	ProductID string
	Size      string
	Color     string
}

// Actor is the caller on whose behalf a command runs.
type Actor struct {
	ID    string
	Admin bool
}

// CanAccess reports whether the actor owns the resource or is an admin.
func (a Actor) CanAccess(ownerID string) bool {
	return a.Admin || (a.ID != "" && a.ID == ownerID)
}

// CartService owns the cart aggregate for users and guest sessions.
type CartService interface {
	FindOrCreate(ctx context.Context, owner OwnerKey) (Cart, error)
	// Get returns the cart after pruning lines whose product no longer resolves.
	Get(ctx context.Context, owner OwnerKey) (Cart, error)
	AddLine(ctx context.Context, cmd CartLineCommand) (Cart, error)
	UpdateLine(ctx context.Context, cmd CartLineCommand) (Cart, error)
	RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error)
	Clear(ctx context.Context, owner OwnerKey) (Cart, error)
	Sanitize(ctx context.Context, owner OwnerKey) (SanitizeResult, error)
}

// CartLineCommand adds or updates a line.
type CartLineCommand struct {
	Owner     OwnerKey
	ProductID string
	Quantity  int
	Size      string
	Color     string
}

// RemoveCartLineCommand removes the line with the given variant key.
type RemoveCartLineCommand struct {
	Owner OwnerKey
	Line  LineKey
}

// SanitizeResult reports how many lines were pruned.
type SanitizeResult struct {
	Cart    Cart
	Removed int
}

// GuestSessionService issues anonymous sessions and merges their carts into user carts.
type GuestSessionService interface {
	NewSession(ctx context.Context) (GuestSession, error)
	MergeIntoUser(ctx context.Context, cmd MergeGuestCartCommand) (MergeResult, error)
}

// GuestSession is an issued anonymous session. Nothing is persisted until the first cart write.
type GuestSession struct {
	SessionID string
	ExpiresAt time.Time
}

// MergeGuestCartCommand merges the guest session cart into the user's cart.
type MergeGuestCartCommand struct {
	SessionID string
	UserID    string
}

// MergeResult describes a merge. Merged is false when there was nothing to merge.
type MergeResult struct {
	Merged       bool
	Cart         Cart
	MergedLines  int
	DroppedLines int
}

// OrderService owns order creation and the order status lifecycle.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	CreateWholesale(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string, actor Actor) (Order, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Order, error)
	SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderReasonCommand) (Order, error)
	InitiateReturn(ctx context.Context, cmd OrderReasonCommand) (Order, error)
}

// CreateOrderCommand captures checkout input.
type CreateOrderCommand struct {
	UserID          string
	ShippingDetails ShippingDetails
	PaymentMethod   PaymentMethod
	Screenshot      *ScreenshotUpload
}

// ScreenshotUpload is a payment screenshot supplied with an order.
type ScreenshotUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SetOrderStatusCommand is the admin status override.
type SetOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	ActorID string
}

// OrderReasonCommand drives cancel and return requests.
type OrderReasonCommand struct {
	OrderID string
	Actor   Actor
	Reason  string
}

// ScreenshotStore persists payment screenshots and returns a retrievable URL.
type ScreenshotStore interface {
	Upload(ctx context.Context, userID string, upload ScreenshotUpload) (string, error)
}

// PaymentService creates gateway orders and settles orders from gateway callbacks.
type PaymentService interface {
	CreateGatewayOrder(ctx context.Context, cmd CreateGatewayOrderCommand) (payments.GatewayOrder, error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (Order, error)
	// ConfirmGatewayPayment settles the order bound to a gateway order reported by a signed webhook.
	ConfirmGatewayPayment(ctx context.Context, gw payments.GatewayOrder) (Order, error)
}

// CreateGatewayOrderCommand requests a gateway order for amount. When OrderID is set the amount
// must equal that order's total and the gateway order is bound to it.
type CreateGatewayOrderCommand struct {
	Amount  decimal.Decimal
	OrderID string
	Actor   Actor
}

// VerifyPaymentCommand carries the gateway callback identifiers.
type VerifyPaymentCommand struct {
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Actor            Actor
}

// WholesaleSettingsService reads and updates the versioned wholesale pricing record.
type WholesaleSettingsService interface {
	Current(ctx context.Context) (WholesaleSettings, error)
	Update(ctx context.Context, cmd UpdateWholesaleSettingsCommand) (WholesaleSettings, error)
}

// UpdateWholesaleSettingsCommand replaces the wholesale settings when ExpectedVersion matches.
type UpdateWholesaleSettingsCommand struct {
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
	ShippingCharge  decimal.Decimal
	ExpectedVersion int64
	ActorID         string
}

// TokenService issues, rotates and revokes refresh tokens.
type TokenService interface {
	Issue(ctx context.Context, subject TokenSubject) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// TokenSubject is the principal a token pair is minted for.
type TokenSubject struct {
	UserID string
	Email  string
	Role   string
}

// TokenPair is an access token with its paired refresh token.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AccessTokenIssuer mints signed access tokens.
type AccessTokenIssuer interface {
	Issue(subject TokenSubject) (string, time.Time, error)
}

// OrderNotifier delivers order notifications (email, queue). Failures never affect the order.
type OrderNotifier interface {
	NotifyOrderPlaced(ctx context.Context, notification OrderNotification) error
}

// OrderNotification is the payload sent when an order is placed.
type OrderNotification struct {
	OrderID       string
	UserID        string
	Email         string
	CustomerName  string
	Tier          OrderTier
	PaymentMethod PaymentMethod
	Total         decimal.Decimal
	Lines         int
	PlacedAt      time.Time
}
