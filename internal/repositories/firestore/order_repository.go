package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const (
	orderCollection  = "orders"
	maxOrderPageSize = 200
)

type orderDocument struct {
	UserID            string              `firestore:"userId"`
	Tier              string              `firestore:"tier"`
	Lines             []orderLineDocument `firestore:"lines"`
	ShippingDetails   shippingDocument    `firestore:"shippingDetails"`
	Subtotal          string              `firestore:"subtotal"`
	Discount          string              `firestore:"discount"`
	Shipping          string              `firestore:"shipping"`
	Tax               string              `firestore:"tax"`
	Total             string              `firestore:"total"`
	PaymentMethod     string              `firestore:"paymentMethod"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	Status            string              `firestore:"status"`
	CancelReason      string              `firestore:"cancelReason,omitempty"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
	ReturnReason      string              `firestore:"returnReason,omitempty"`
	ReturnedAt        *time.Time          `firestore:"returnedAt,omitempty"`
	PaymentScreenshot string              `firestore:"paymentScreenshot,omitempty"`
	Gateway           *gatewayDocument    `firestore:"gateway,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
}

type orderLineDocument struct {
	ProductID    string `firestore:"productId"`
	Name         string `firestore:"name"`
	Quantity     int    `firestore:"quantity"`
	Size         string `firestore:"size"`
	Color        string `firestore:"color"`
	UnitPrice    string `firestore:"unitPrice"`
	LineTotal    string `firestore:"lineTotal"`
	TaxOnLine    string `firestore:"taxOnLine,omitempty"`
	PriceWithTax string `firestore:"priceWithTax,omitempty"`
	Status       string `firestore:"status"`
	Wholesale    bool   `firestore:"wholesale"`
}

type shippingDocument struct {
	FullName     string `firestore:"fullName"`
	Phone        string `firestore:"phone"`
	Email        string `firestore:"email"`
	AddressLine1 string `firestore:"addressLine1"`
	AddressLine2 string `firestore:"addressLine2,omitempty"`
	City         string `firestore:"city"`
	State        string `firestore:"state"`
	PostalCode   string `firestore:"postalCode"`
	Country      string `firestore:"country"`
}

type gatewayDocument struct {
	OrderID    string    `firestore:"orderId"`
	PaymentID  string    `firestore:"paymentId"`
	Signature  string    `firestore:"signature"`
	VerifiedAt time.Time `firestore:"verifiedAt"`
}

// OrderRepository persists orders in the orders collection keyed by order id.
type OrderRepository struct {
	orders *pfirestore.Collection[domain.Order]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		orders: pfirestore.NewCollection(provider, orderCollection, encodeOrder, decodeOrder),
	}, nil
}

// Insert creates the order document. An existing id fails with a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, id, order)
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" || strings.Contains(id, "/") {
		return domain.Order{}, pfirestore.NotFoundError(r.orders.Name()+".get", fmt.Errorf("invalid order id %q", orderID))
	}
	return r.orders.Get(ctx, id)
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("order repository: user id is required")
	}
	if limit <= 0 || limit > maxOrderPageSize {
		limit = maxOrderPageSize
	}
	orders, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

// Mutate applies fn to the stored order inside a transaction.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(*domain.Order) error) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" || strings.Contains(id, "/") {
		return domain.Order{}, pfirestore.NotFoundError(r.orders.Name()+".mutate", fmt.Errorf("invalid order id %q", orderID))
	}
	doc, err := r.orders.Doc(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.orders.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		order, found, err := r.orders.TxGet(tx, doc)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NotFoundError(r.orders.Name()+".mutate", fmt.Errorf("order %s not found", id))
		}
		if err := fn(&order); err != nil {
			return err
		}
		order.ID = id
		if err := r.orders.TxSet(tx, doc, order); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

func encodeOrder(order domain.Order) (any, error) {
	doc := orderDocument{
		UserID:            order.UserID,
		Tier:              string(order.Tier),
		Lines:             make([]orderLineDocument, 0, len(order.Lines)),
		ShippingDetails:   shippingDocument(order.ShippingDetails),
		Subtotal:          order.Subtotal.String(),
		Discount:          order.Discount.String(),
		Shipping:          order.Shipping.String(),
		Tax:               order.Tax.String(),
		Total:             order.Total.String(),
		PaymentMethod:     string(order.PaymentMethod),
		PaymentStatus:     string(order.PaymentStatus),
		Status:            string(order.Status),
		CancelReason:      order.CancelReason,
		CancelledAt:       utcPtr(order.CancelledAt),
		ReturnReason:      order.ReturnReason,
		ReturnedAt:        utcPtr(order.ReturnedAt),
		PaymentScreenshot: order.PaymentScreenshot,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	for _, line := range order.Lines {
		doc.Lines = append(doc.Lines, orderLineDocument{
			ProductID:    line.ProductID,
			Name:         line.Name,
			Quantity:     line.Quantity,
			Size:         line.Size,
			Color:        line.Color,
			UnitPrice:    line.UnitPrice.String(),
			LineTotal:    line.LineTotal.String(),
			TaxOnLine:    optionalDecimal(line.TaxOnLine),
			PriceWithTax: optionalDecimal(line.PriceWithTax),
			Status:       string(line.Status),
			Wholesale:    line.Wholesale,
		})
	}
	if order.Gateway != nil {
		doc.Gateway = &gatewayDocument{
			OrderID:    order.Gateway.OrderID,
			PaymentID:  order.Gateway.PaymentID,
			Signature:  order.Gateway.Signature,
			VerifiedAt: order.Gateway.VerifiedAt.UTC(),
		}
	}
	return doc, nil
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, err
	}
	order := domain.Order{
		ID:                snap.Ref.ID,
		UserID:            doc.UserID,
		Tier:              domain.OrderTier(doc.Tier),
		Lines:             make([]domain.OrderLine, 0, len(doc.Lines)),
		ShippingDetails:   domain.ShippingDetails(doc.ShippingDetails),
		PaymentMethod:     domain.PaymentMethod(doc.PaymentMethod),
		PaymentStatus:     domain.PaymentStatus(doc.PaymentStatus),
		Status:            domain.OrderStatus(doc.Status),
		CancelReason:      doc.CancelReason,
		CancelledAt:       utcPtr(doc.CancelledAt),
		ReturnReason:      doc.ReturnReason,
		ReturnedAt:        utcPtr(doc.ReturnedAt),
		PaymentScreenshot: doc.PaymentScreenshot,
		CreatedAt:         doc.CreatedAt.UTC(),
		UpdatedAt:         doc.UpdatedAt.UTC(),
	}

	amounts := []struct {
		field string
		raw   string
		dst   *decimal.Decimal
	}{
		{"subtotal", doc.Subtotal, &order.Subtotal},
		{"discount", doc.Discount, &order.Discount},
		{"shipping", doc.Shipping, &order.Shipping},
		{"tax", doc.Tax, &order.Tax},
		{"total", doc.Total, &order.Total},
	}
	for _, amount := range amounts {
		value, err := parseDecimal(amount.field, amount.raw)
		if err != nil {
			return domain.Order{}, err
		}
		*amount.dst = value
	}

	for _, line := range doc.Lines {
		decoded := domain.OrderLine{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			Size:      line.Size,
			Color:     line.Color,
			Status:    domain.LineStatus(line.Status),
			Wholesale: line.Wholesale,
		}
		if decoded.Status == "" {
			decoded.Status = domain.LineStatusActive
		}
		var err error
		if decoded.UnitPrice, err = parseDecimal("unitPrice", line.UnitPrice); err != nil {
			return domain.Order{}, err
		}
		if decoded.LineTotal, err = parseDecimal("lineTotal", line.LineTotal); err != nil {
			return domain.Order{}, err
		}
		if decoded.TaxOnLine, err = parseDecimal("taxOnLine", line.TaxOnLine); err != nil {
			return domain.Order{}, err
		}
		if decoded.PriceWithTax, err = parseDecimal("priceWithTax", line.PriceWithTax); err != nil {
			return domain.Order{}, err
		}
		order.Lines = append(order.Lines, decoded)
	}

	if doc.Gateway != nil {
		order.Gateway = &domain.GatewayPayment{
			OrderID:    doc.Gateway.OrderID,
			PaymentID:  doc.Gateway.PaymentID,
			Signature:  doc.Gateway.Signature,
			VerifiedAt: doc.Gateway.VerifiedAt.UTC(),
		}
	}
	return order, nil
}
