package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GuestCartTTL is the lifetime of a guest cart measured from creation.
const GuestCartTTL = 7 * 24 * time.Hour

// OwnerKind distinguishes authenticated user carts from anonymous guest carts.
type OwnerKind string

const (
	// OwnerUser identifies a cart owned by an authenticated user.
	OwnerUser OwnerKind = "user"
	// OwnerGuest identifies a cart owned by an anonymous guest session.
	OwnerGuest OwnerKind = "guest"
)

// OwnerKey is the identity of a cart: one cart exists per key.
type OwnerKey struct {
	Kind OwnerKind
	ID   string
}

// UserOwner builds the owner key for a user cart.
func UserOwner(userID string) OwnerKey {
	return OwnerKey{Kind: OwnerUser, ID: strings.TrimSpace(userID)}
}

// GuestOwner builds the owner key for a guest session cart.
func GuestOwner(sessionID string) OwnerKey {
	return OwnerKey{Kind: OwnerGuest, ID: strings.TrimSpace(sessionID)}
}

// Valid reports whether the key carries a known kind and a non-empty id.
func (k OwnerKey) Valid() bool {
	if k.ID == "" || strings.Contains(k.ID, "/") {
		return false
	}
	return k.Kind == OwnerUser || k.Kind == OwnerGuest
}

// DocumentID returns the storage identifier for the cart owned by this key.
func (k OwnerKey) DocumentID() string {
	return string(k.Kind) + ":" + k.ID
}

// String implements fmt.Stringer.
func (k OwnerKey) String() string {
	return k.DocumentID()
}

// LineStatus tracks whether a line still contributes to totals.
type LineStatus string

const (
	// LineStatusActive is the default status for cart and order lines.
	LineStatusActive LineStatus = "active"
	// LineStatusCancelled lines are retained for audit but excluded from totals.
	LineStatusCancelled LineStatus = "cancelled"
)

// CartLine is a single (product, size, color) variant in a cart.
type CartLine struct {
	ProductID    string
	Quantity     int
	Size         string
	Color        string
	UnitPrice    decimal.Decimal
	LineTotal    decimal.Decimal
	TaxOnLine    decimal.Decimal
	PriceWithTax decimal.Decimal
	Status       LineStatus
	AddedAt      time.Time
}

// Matches reports whether the line has the given variant key.
func (l CartLine) Matches(productID, size, color string) bool {
	return l.ProductID == productID && l.Size == size && l.Color == color
}

// SetQuantity updates the quantity and keeps LineTotal in step with it.
func (l *CartLine) SetQuantity(quantity int) {
	l.Quantity = quantity
	l.recompute()
}

// SetUnitPrice updates the unit price and keeps LineTotal in step with it.
func (l *CartLine) SetUnitPrice(price decimal.Decimal) {
	l.UnitPrice = price
	l.recompute()
}

func (l *CartLine) recompute() {
	l.LineTotal = l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart aggregates the mutable shopping cart state for a user or guest session.
type Cart struct {
	ID        string
	Owner     OwnerKey
	Lines     []CartLine
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpireAt  *time.Time
}

// FindLine returns the index of the line with the variant key, or -1.
func (c Cart) FindLine(productID, size, color string) int {
	for i, line := range c.Lines {
		if line.Matches(productID, size, color) {
			return i
		}
	}
	return -1
}

// Product is the catalog view consumed by the cart and order pipeline.
type Product struct {
	ID                string
	Name              string
	Price             decimal.Decimal
	CombinationPrices map[string]decimal.Decimal
	Sizes             []string
	Colors            []string
	Category          string
	Active            bool
	CreatedAt         time.Time
}

// WholesaleCategory tags products priced with the wholesale tier.
const WholesaleCategory = "WHOLESALE"

// IsWholesale reports whether the product belongs to the wholesale tier.
func (p Product) IsWholesale() bool {
	return strings.EqualFold(strings.TrimSpace(p.Category), WholesaleCategory)
}

// PriceFor resolves the unit price for a size, preferring a size-specific override.
func (p Product) PriceFor(size string) decimal.Decimal {
	if size != "" {
		if price, ok := p.CombinationPrices[size]; ok {
			return price
		}
	}
	return p.Price
}

// SupportsSize reports whether size is legal for this product. Products without
// configured sizes only accept the empty size.
func (p Product) SupportsSize(size string) bool {
	if size == "" {
		return true
	}
	for _, s := range p.Sizes {
		if s == size {
			return true
		}
	}
	_, ok := p.CombinationPrices[size]
	return ok
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusConfirmed       OrderStatus = "confirmed"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusReturnInitiated OrderStatus = "return_initiated"
	OrderStatusReturnApproved  OrderStatus = "return_approved"
	OrderStatusReturned        OrderStatus = "returned"
	OrderStatusRejected        OrderStatus = "rejected"
)

// OrderStatuses lists every enumerated status.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusReturnInitiated,
	OrderStatusReturnApproved,
	OrderStatusReturned,
	OrderStatusRejected,
}

// Valid reports whether the status is one of the enumerated values.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// PaymentMethod identifies how the customer pays for an order.
type PaymentMethod string

const (
	PaymentMethodCOD      PaymentMethod = "cod"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodUPI      PaymentMethod = "upi"
	PaymentMethodRazorpay PaymentMethod = "razorpay"
)

// Valid reports whether the payment method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodCard, PaymentMethodUPI, PaymentMethodRazorpay:
		return true
	}
	return false
}

// PaymentStatus tracks settlement of the order amount.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// OrderTier records which pricing tier produced the order totals.
type OrderTier string

const (
	OrderTierRetail    OrderTier = "retail"
	OrderTierWholesale OrderTier = "wholesale"
)

// OrderLine is the frozen snapshot of a cart line at checkout.
type OrderLine struct {
	ProductID    string
	Name         string
	Quantity     int
	Size         string
	Color        string
	UnitPrice    decimal.Decimal
	LineTotal    decimal.Decimal
	TaxOnLine    decimal.Decimal
	PriceWithTax decimal.Decimal
	Status       LineStatus
	Wholesale    bool
}

// ShippingDetails is the delivery contact captured at checkout.
type ShippingDetails struct {
	FullName     string `json:"fullName"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	Country      string `json:"country"`
}

// GatewayPayment stores the identifiers returned by a verified gateway callback.
type GatewayPayment struct {
	OrderID    string
	PaymentID  string
	Signature  string
	VerifiedAt time.Time
}

// Order is created once from a cart snapshot; lines are frozen afterwards.
type Order struct {
	ID                string
	UserID            string
	Tier              OrderTier
	Lines             []OrderLine
	ShippingDetails   ShippingDetails
	Subtotal          decimal.Decimal
	Discount          decimal.Decimal
	Shipping          decimal.Decimal
	Tax               decimal.Decimal
	Total             decimal.Decimal
	PaymentMethod     PaymentMethod
	PaymentStatus     PaymentStatus
	Status            OrderStatus
	CancelReason      string
	CancelledAt       *time.Time
	ReturnReason      string
	ReturnedAt        *time.Time
	PaymentScreenshot string
	Gateway           *GatewayPayment
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WholesaleSettings is the single versioned record driving wholesale pricing.
type WholesaleSettings struct {
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
	ShippingCharge  decimal.Decimal
	Version         int64
	UpdatedAt       time.Time
	UpdatedBy       string
}

// DefaultWholesaleSettings returns the fallback used before any settings record exists.
func DefaultWholesaleSettings() WholesaleSettings {
	return WholesaleSettings{
		DiscountPercent: decimal.NewFromInt(10),
		TaxPercent:      decimal.NewFromInt(18),
		ShippingCharge:  decimal.NewFromInt(100),
	}
}

// RefreshToken is the persisted record of an issued refresh token. Only the hash is stored.
type RefreshToken struct {
	ID         string
	TokenHash  string
	UserID     string
	Email      string
	Role       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Active reports whether the token may still be exchanged at the given instant.
func (t RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
