package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/platform/textutil"
	"github.com/storefront/api/internal/repositories"
)

const (
	orderIDPrefix = "ord_"

	defaultNotifyTimeout   = 10 * time.Second
	defaultOrderListLimit  = 50
	maxOrderListLimit      = 100
	maxReasonLength        = 500
	maxShippingFieldLength = 200

	// MaxScreenshotBytes bounds payment screenshot uploads.
	MaxScreenshotBytes = 5 << 20
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order's current status does not allow the request.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderForbidden indicates the caller neither owns the order nor holds the admin role.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderEmptyCart indicates no orderable lines remained after snapshotting the cart.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrOrderConflict indicates a duplicate order id or concurrent write.
	ErrOrderConflict = errors.New("order: conflict")
)

var (
	cancellableStatuses      = []OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed}
	retailReturnableStatuses = []OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.OrderStatusDelivered}
	wholesaleReturnStatuses  = []OrderStatus{domain.OrderStatusShipped, domain.OrderStatusDelivered}

	screenshotContentTypes = []string{"image/png", "image/jpeg", "image/webp"}
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Carts         repositories.CartRepository
	Products      repositories.ProductRepository
	Pricing       *PricingEngine
	Screenshots   ScreenshotStore
	Notifier      OrderNotifier
	NotifyTimeout time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	carts         repositories.CartRepository
	catalog       catalog
	pricing       *PricingEngine
	screenshots   ScreenshotStore
	notifier      OrderNotifier
	notifyTimeout time.Duration
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	timeout := deps.NotifyTimeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		carts:         deps.Carts,
		catalog:       catalog{products: deps.Products},
		pricing:       deps.Pricing,
		screenshots:   deps.Screenshots,
		notifier:      deps.Notifier,
		notifyTimeout: timeout,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Create places an order from every orderable line in the user's cart. The tier is wholesale when
// every ordered product is tagged wholesale, retail otherwise. The cart is left untouched.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	return s.place(ctx, cmd, false)
}

// CreateWholesale places an order from the wholesale-tagged lines of the user's cart and removes
// those lines from the cart afterwards.
func (s *orderService) CreateWholesale(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	return s.place(ctx, cmd, true)
}

func (s *orderService) place(ctx context.Context, cmd CreateOrderCommand, wholesaleCheckout bool) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	shipping, err := validateCheckout(userID, cmd)
	if err != nil {
		return Order{}, err
	}

	owner := domain.UserOwner(userID)
	cart, err := s.carts.FindByOwner(ctx, owner)
	if err != nil {
		if isRepositoryNotFound(err) {
			return Order{}, ErrOrderEmptyCart
		}
		return Order{}, mapCartRepositoryError(err)
	}

	lines, products, err := s.snapshot(ctx, cart.Lines, wholesaleCheckout)
	if err != nil {
		return Order{}, err
	}
	if len(lines) == 0 {
		return Order{}, ErrOrderEmptyCart
	}
	tier := domain.OrderTierWholesale
	if !wholesaleCheckout {
		tier = ResolveTier(products)
	}

	quote, err := s.pricing.Price(ctx, tier, lines)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
		}
		return Order{}, err
	}
	quote = quote.Rounded()

	var screenshotURL string
	if cmd.Screenshot != nil {
		if s.screenshots == nil {
			return Order{}, fmt.Errorf("%w: payment screenshots are not accepted", ErrOrderInvalidInput)
		}
		url, err := s.screenshots.Upload(ctx, userID, *cmd.Screenshot)
		if err != nil {
			return Order{}, fmt.Errorf("order: upload payment screenshot: %w", err)
		}
		screenshotURL = url
	}

	now := s.clock()
	order := Order{
		ID:                s.nextOrderID(),
		UserID:            userID,
		Tier:              quote.Tier,
		Lines:             quote.Lines,
		ShippingDetails:   shipping,
		Subtotal:          quote.Subtotal,
		Discount:          quote.Discount,
		Shipping:          quote.Shipping,
		Tax:               quote.Tax,
		Total:             quote.Total,
		PaymentMethod:     cmd.PaymentMethod,
		PaymentStatus:     domain.PaymentStatusPending,
		Status:            domain.OrderStatusPending,
		PaymentScreenshot: screenshotURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"order": order.ID,
		"user":  userID,
		"tier":  string(order.Tier),
		"total": order.Total.StringFixed(2),
		"lines": len(order.Lines),
	})

	if wholesaleCheckout {
		s.removeOrderedLines(ctx, owner, order)
	}
	s.notifyPlaced(ctx, order)
	return order, nil
}

// snapshot freezes cart lines into order lines, dropping lines whose product is missing or inactive.
// When wholesaleOnly is set, lines for non-wholesale products are skipped. The products behind the
// returned lines are returned alongside, one per distinct id.
func (s *orderService) snapshot(ctx context.Context, cartLines []CartLine, wholesaleOnly bool) ([]OrderLine, []Product, error) {
	ids := make([]string, 0, len(cartLines))
	for _, line := range cartLines {
		if !slices.Contains(ids, line.ProductID) {
			ids = append(ids, line.ProductID)
		}
	}

	var (
		mu       sync.Mutex
		products = make(map[string]Product, len(ids))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(defaultSanitizeConcurrency)
	for _, id := range ids {
		group.Go(func() error {
			product, err := s.catalog.lookup(groupCtx, id)
			if err != nil {
				if notOrderable(err) {
					return nil
				}
				return err
			}
			mu.Lock()
			products[id] = product
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	lines := make([]OrderLine, 0, len(cartLines))
	ordered := make([]Product, 0, len(products))
	for _, line := range cartLines {
		product, ok := products[line.ProductID]
		if !ok {
			continue
		}
		if wholesaleOnly && !product.IsWholesale() {
			continue
		}
		if !slices.ContainsFunc(ordered, func(p Product) bool { return p.ID == product.ID }) {
			ordered = append(ordered, product)
		}
		lines = append(lines, OrderLine{
			ProductID: line.ProductID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Size:      line.Size,
			Color:     line.Color,
			UnitPrice: line.UnitPrice,
			Status:    domain.LineStatusActive,
			Wholesale: product.IsWholesale(),
		})
	}
	return lines, ordered, nil
}

func (s *orderService) removeOrderedLines(ctx context.Context, owner OwnerKey, order Order) {
	_, err := s.carts.Mutate(ctx, owner, nil, func(cart *Cart) error {
		cart.Lines = slices.DeleteFunc(cart.Lines, func(line CartLine) bool {
			return slices.ContainsFunc(order.Lines, func(ordered OrderLine) bool {
				return line.Matches(ordered.ProductID, ordered.Size, ordered.Color)
			})
		})
		cart.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.cart_cleanup.failed", map[string]any{
			"order": order.ID,
			"user":  order.UserID,
			"error": err.Error(),
		})
	}
}

func (s *orderService) notifyPlaced(ctx context.Context, order Order) {
	if s.notifier == nil {
		return
	}
	notification := OrderNotification{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Email:         order.ShippingDetails.Email,
		CustomerName:  order.ShippingDetails.FullName,
		Tier:          order.Tier,
		PaymentMethod: order.PaymentMethod,
		Total:         order.Total,
		Lines:         len(order.Lines),
		PlacedAt:      order.CreatedAt,
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		notifyCtx, cancel := context.WithTimeout(detached, s.notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyOrderPlaced(notifyCtx, notification); err != nil {
			s.logger(detached, "order.notify.failed", map[string]any{
				"order": notification.OrderID,
				"error": err.Error(),
			})
		}
	}()
}

func (s *orderService) Get(ctx context.Context, orderID string, actor Actor) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if !actor.CanAccess(order.UserID) {
		return Order{}, ErrOrderForbidden
	}
	return order, nil
}

func (s *orderService) ListForUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	switch {
	case limit <= 0:
		limit = defaultOrderListLimit
	case limit > maxOrderListLimit:
		limit = maxOrderListLimit
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

// SetStatus is the admin override: any enumerated status may be set. Delivering a cash on
// delivery order marks it paid.
func (s *orderService) SetStatus(ctx context.Context, cmd SetOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	status := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var previous OrderStatus
	order, err := s.orders.Mutate(ctx, orderID, func(order *Order) error {
		previous = order.Status
		order.Status = status
		if status == domain.OrderStatusDelivered && order.PaymentMethod == domain.PaymentMethodCOD {
			order.PaymentStatus = domain.PaymentStatusCompleted
		}
		order.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.status.changed", map[string]any{
		"order":    order.ID,
		"from":     string(previous),
		"to":       string(order.Status),
		"actor":    cmd.ActorID,
		"payment":  string(order.PaymentStatus),
		"override": true,
	})
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd OrderReasonCommand) (Order, error) {
	orderID, reason, err := validateReasonCommand(cmd)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.Mutate(ctx, orderID, func(order *Order) error {
		if !cmd.Actor.CanAccess(order.UserID) {
			return ErrOrderForbidden
		}
		if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: cannot cancel an order that is %s", ErrOrderInvalidState, order.Status)
		}
		now := s.clock()
		order.Status = domain.OrderStatusCancelled
		order.CancelReason = reason
		order.CancelledAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.cancelled", map[string]any{"order": order.ID, "actor": cmd.Actor.ID})
	return order, nil
}

// InitiateReturn opens a return. Retail orders wait for approval in return_initiated; wholesale
// orders move straight to returned.
func (s *orderService) InitiateReturn(ctx context.Context, cmd OrderReasonCommand) (Order, error) {
	orderID, reason, err := validateReasonCommand(cmd)
	if err != nil {
		return Order{}, err
	}

	order, err := s.orders.Mutate(ctx, orderID, func(order *Order) error {
		if !cmd.Actor.CanAccess(order.UserID) {
			return ErrOrderForbidden
		}
		allowed, next := retailReturnableStatuses, domain.OrderStatusReturnInitiated
		if order.Tier == domain.OrderTierWholesale {
			allowed, next = wholesaleReturnStatuses, domain.OrderStatusReturned
		}
		if !slices.Contains(allowed, order.Status) {
			return fmt.Errorf("%w: cannot return an order that is %s", ErrOrderInvalidState, order.Status)
		}
		now := s.clock()
		order.Status = next
		order.ReturnReason = reason
		order.ReturnedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.return.initiated", map[string]any{
		"order":  order.ID,
		"actor":  cmd.Actor.ID,
		"status": string(order.Status),
	})
	return order, nil
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + strings.ToLower(s.newID())
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return err
}

func validateReasonCommand(cmd OrderReasonCommand) (string, string, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return "", "", fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := textutil.Clean(cmd.Reason, maxReasonLength)
	if reason == "" {
		return "", "", fmt.Errorf("%w: reason is required", ErrOrderInvalidInput)
	}
	return orderID, reason, nil
}

func validateCheckout(userID string, cmd CreateOrderCommand) (ShippingDetails, error) {
	var problems violations
	if userID == "" {
		problems.add("userId", "user id is required")
	}
	if !cmd.PaymentMethod.Valid() {
		problems.add("paymentMethod", "must be one of cod, card, upi, razorpay")
	}

	clean := func(value string) string { return textutil.Clean(value, maxShippingFieldLength) }
	shipping := ShippingDetails{
		FullName:     clean(cmd.ShippingDetails.FullName),
		Phone:        clean(cmd.ShippingDetails.Phone),
		Email:        strings.ToLower(clean(cmd.ShippingDetails.Email)),
		AddressLine1: clean(cmd.ShippingDetails.AddressLine1),
		AddressLine2: clean(cmd.ShippingDetails.AddressLine2),
		City:         clean(cmd.ShippingDetails.City),
		State:        clean(cmd.ShippingDetails.State),
		PostalCode:   clean(cmd.ShippingDetails.PostalCode),
		Country:      clean(cmd.ShippingDetails.Country),
	}
	required := []struct {
		field string
		value string
	}{
		{"shippingDetails.fullName", shipping.FullName},
		{"shippingDetails.phone", shipping.Phone},
		{"shippingDetails.addressLine1", shipping.AddressLine1},
		{"shippingDetails.city", shipping.City},
		{"shippingDetails.postalCode", shipping.PostalCode},
	}
	for _, r := range required {
		if r.value == "" {
			problems.add(r.field, "is required")
		}
	}
	if shipping.Email != "" && !strings.Contains(shipping.Email, "@") {
		problems.add("shippingDetails.email", "must be a valid email address")
	}

	if shot := cmd.Screenshot; shot != nil {
		if shot.Body == nil {
			problems.add("paymentScreenshot", "file is empty")
		}
		if shot.Size > MaxScreenshotBytes {
			problems.add("paymentScreenshot", "must be 5 MiB or smaller")
		}
		if !slices.Contains(screenshotContentTypes, strings.ToLower(shot.ContentType)) {
			problems.add("paymentScreenshot", "must be a PNG, JPEG or WebP image")
		}
	}

	if err := problems.err(ErrOrderInvalidInput); err != nil {
		return ShippingDetails{}, err
	}
	return shipping, nil
}
