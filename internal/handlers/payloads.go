package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/services"
)

type cartLinePayload struct {
	Product      string `json:"product"`
	Quantity     int    `json:"quantity"`
	Size         string `json:"size,omitempty"`
	Color        string `json:"color,omitempty"`
	UnitPrice    string `json:"unitPrice"`
	LineTotal    string `json:"lineTotal"`
	TaxOnLine    string `json:"taxOnLine,omitempty"`
	PriceWithTax string `json:"priceWithTax,omitempty"`
	Status       string `json:"status"`
	AddedAt      string `json:"addedAt,omitempty"`
}

type cartPayload struct {
	ID        string            `json:"id"`
	OwnerKind string            `json:"ownerKind"`
	OwnerID   string            `json:"ownerId"`
	Items     []cartLinePayload `json:"items"`
	ItemCount int               `json:"itemCount"`
	Subtotal  string            `json:"subtotal"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
	ExpiresAt string            `json:"expiresAt,omitempty"`
}

type orderLinePayload struct {
	Product      string `json:"product"`
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	Size         string `json:"size,omitempty"`
	Color        string `json:"color,omitempty"`
	UnitPrice    string `json:"unitPrice"`
	LineTotal    string `json:"lineTotal"`
	TaxOnLine    string `json:"taxOnLine,omitempty"`
	PriceWithTax string `json:"priceWithTax,omitempty"`
	Status       string `json:"status"`
	Wholesale    bool   `json:"wholesale,omitempty"`
}

type gatewayPayload struct {
	OrderID    string `json:"gatewayOrderId"`
	PaymentID  string `json:"gatewayPaymentId"`
	VerifiedAt string `json:"verifiedAt"`
}

type orderPayload struct {
	ID                string                 `json:"id"`
	UserID            string                 `json:"userId"`
	Tier              string                 `json:"tier"`
	Items             []orderLinePayload     `json:"items"`
	ShippingDetails   domain.ShippingDetails `json:"shippingDetails"`
	Subtotal          string                 `json:"subtotal"`
	Discount          string                 `json:"discount"`
	Shipping          string                 `json:"shipping"`
	Tax               string                 `json:"tax"`
	Total             string                 `json:"total"`
	PaymentMethod     string                 `json:"paymentMethod"`
	PaymentStatus     string                 `json:"paymentStatus"`
	Status            string                 `json:"status"`
	CancelReason      string                 `json:"cancelReason,omitempty"`
	CancelledAt       string                 `json:"cancelledAt,omitempty"`
	ReturnReason      string                 `json:"returnReason,omitempty"`
	ReturnedAt        string                 `json:"returnedAt,omitempty"`
	PaymentScreenshot string                 `json:"paymentScreenshot,omitempty"`
	Gateway           *gatewayPayload        `json:"gateway,omitempty"`
	CreatedAt         string                 `json:"createdAt"`
	UpdatedAt         string                 `json:"updatedAt,omitempty"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:        cart.ID,
		OwnerKind: string(cart.Owner.Kind),
		OwnerID:   cart.Owner.ID,
		Items:     make([]cartLinePayload, 0, len(cart.Lines)),
		Subtotal:  money(decimal.Zero),
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
	subtotal := decimal.Zero
	for _, line := range cart.Lines {
		payload.Items = append(payload.Items, cartLinePayload{
			Product:      line.ProductID,
			Quantity:     line.Quantity,
			Size:         line.Size,
			Color:        line.Color,
			UnitPrice:    money(line.UnitPrice),
			LineTotal:    money(line.LineTotal),
			TaxOnLine:    optionalMoney(line.TaxOnLine),
			PriceWithTax: optionalMoney(line.PriceWithTax),
			Status:       string(line.Status),
			AddedAt:      formatTime(line.AddedAt),
		})
		if line.Status != domain.LineStatusCancelled {
			payload.ItemCount += line.Quantity
			subtotal = subtotal.Add(line.LineTotal)
		}
	}
	payload.Subtotal = money(subtotal)
	if cart.ExpireAt != nil {
		payload.ExpiresAt = formatTime(*cart.ExpireAt)
	}
	return payload
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		UserID:            order.UserID,
		Tier:              string(order.Tier),
		Items:             make([]orderLinePayload, 0, len(order.Lines)),
		ShippingDetails:   order.ShippingDetails,
		Subtotal:          money(order.Subtotal),
		Discount:          money(order.Discount),
		Shipping:          money(order.Shipping),
		Tax:               money(order.Tax),
		Total:             money(order.Total),
		PaymentMethod:     string(order.PaymentMethod),
		PaymentStatus:     string(order.PaymentStatus),
		Status:            string(order.Status),
		CancelReason:      order.CancelReason,
		ReturnReason:      order.ReturnReason,
		PaymentScreenshot: order.PaymentScreenshot,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	if order.CancelledAt != nil {
		payload.CancelledAt = formatTime(*order.CancelledAt)
	}
	if order.ReturnedAt != nil {
		payload.ReturnedAt = formatTime(*order.ReturnedAt)
	}
	for _, line := range order.Lines {
		payload.Items = append(payload.Items, orderLinePayload{
			Product:      line.ProductID,
			Name:         line.Name,
			Quantity:     line.Quantity,
			Size:         line.Size,
			Color:        line.Color,
			UnitPrice:    money(line.UnitPrice),
			LineTotal:    money(line.LineTotal),
			TaxOnLine:    optionalMoney(line.TaxOnLine),
			PriceWithTax: optionalMoney(line.PriceWithTax),
			Status:       string(line.Status),
			Wholesale:    line.Wholesale,
		})
	}
	if order.Gateway != nil {
		payload.Gateway = &gatewayPayload{
			OrderID:    order.Gateway.OrderID,
			PaymentID:  order.Gateway.PaymentID,
			VerifiedAt: formatTime(order.Gateway.VerifiedAt),
		}
	}
	return payload
}

func money(value decimal.Decimal) string {
	return value.StringFixed(2)
}

func optionalMoney(value decimal.Decimal) string {
	if value.IsZero() {
		return ""
	}
	return money(value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// actorFromContext returns the authenticated caller. ok is false when the request carries no
// identity.
func actorFromContext(ctx context.Context) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		return services.Actor{}, false
	}
	return services.Actor{ID: strings.TrimSpace(identity.UID), Admin: identity.HasRole(auth.RoleAdmin)}, true
}
