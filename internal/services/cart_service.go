package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const (
	findOrCreateAttempts       = 3
	defaultSanitizeConcurrency = 8
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartNotFound indicates the requested cart does not exist.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrCartLineNotFound indicates no line matches the requested variant.
	ErrCartLineNotFound = errors.New("cart: line not found")
	// ErrCartConflict indicates the cart could not be written after repeated concurrent modifications.
	ErrCartConflict = errors.New("cart: conflict")
)

// CartServiceDeps wires the repositories used for cart operations.
type CartServiceDeps struct {
	Carts               repositories.CartRepository
	Products            repositories.ProductRepository
	Clock               func() time.Time
	SanitizeConcurrency int
	Logger              func(context.Context, string, map[string]any)
}

type cartService struct {
	carts       repositories.CartRepository
	catalog     catalog
	clock       func() time.Time
	concurrency int
	logger      func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := deps.SanitizeConcurrency
	if concurrency <= 0 {
		concurrency = defaultSanitizeConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &cartService{
		carts:       deps.Carts,
		catalog:     catalog{products: deps.Products},
		clock:       func() time.Time { return clock().UTC() },
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// FindOrCreate returns the owner's cart, creating it on first use. A concurrent creator wins and
// its cart is returned after a re-read.
func (s *cartService) FindOrCreate(ctx context.Context, owner OwnerKey) (Cart, error) {
	if !owner.Valid() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	return findOrCreateCart(ctx, s.carts, owner, s.seed(owner))
}

func (s *cartService) Get(ctx context.Context, owner OwnerKey) (Cart, error) {
	cart, err := s.FindOrCreate(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	pruned, _, err := s.prune(ctx, cart)
	return pruned, err
}

func (s *cartService) AddLine(ctx context.Context, cmd CartLineCommand) (Cart, error) {
	if err := validateLineCommand(cmd); err != nil {
		return Cart{}, err
	}
	product, err := s.catalog.lookup(ctx, cmd.ProductID)
	if err != nil {
		return Cart{}, err
	}
	price := product.PriceFor(cmd.Size)

	cart, err := s.carts.Mutate(ctx, cmd.Owner, s.seed(cmd.Owner), func(cart *Cart) error {
		now := s.clock()
		if idx := cart.FindLine(product.ID, cmd.Size, cmd.Color); idx >= 0 {
			line := &cart.Lines[idx]
			line.SetUnitPrice(price)
			line.SetQuantity(line.Quantity + cmd.Quantity)
		} else {
			line := CartLine{
				ProductID: product.ID,
				Size:      cmd.Size,
				Color:     cmd.Color,
				Status:    domain.LineStatusActive,
				UnitPrice: price,
				AddedAt:   now,
			}
			line.SetQuantity(cmd.Quantity)
			cart.Lines = append(cart.Lines, line)
		}
		cart.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

func (s *cartService) UpdateLine(ctx context.Context, cmd CartLineCommand) (Cart, error) {
	if err := validateLineCommand(cmd); err != nil {
		return Cart{}, err
	}
	product, err := s.catalog.lookup(ctx, cmd.ProductID)
	if err != nil {
		return Cart{}, err
	}
	if len(product.Sizes) > 0 && !product.SupportsSize(cmd.Size) {
		return Cart{}, fmt.Errorf("%w: size %q is not offered for this product", ErrCartInvalidInput, cmd.Size)
	}
	price := product.PriceFor(cmd.Size)

	cart, err := s.carts.Mutate(ctx, cmd.Owner, nil, func(cart *Cart) error {
		idx := cart.FindLine(product.ID, cmd.Size, cmd.Color)
		if idx < 0 {
			return ErrCartLineNotFound
		}
		line := &cart.Lines[idx]
		line.SetUnitPrice(price)
		line.SetQuantity(cmd.Quantity)
		cart.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

func (s *cartService) RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error) {
	if !cmd.Owner.Valid() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.Line.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.Mutate(ctx, cmd.Owner, nil, func(cart *Cart) error {
		idx := cart.FindLine(productID, cmd.Line.Size, cmd.Line.Color)
		if idx < 0 {
			return ErrCartLineNotFound
		}
		cart.Lines = slices.Delete(cart.Lines, idx, idx+1)
		cart.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

func (s *cartService) Clear(ctx context.Context, owner OwnerKey) (Cart, error) {
	if !owner.Valid() {
		return Cart{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.Mutate(ctx, owner, nil, func(cart *Cart) error {
		cart.Lines = nil
		cart.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		return Cart{}, s.mapRepositoryError(err)
	}
	return cart, nil
}

func (s *cartService) Sanitize(ctx context.Context, owner OwnerKey) (SanitizeResult, error) {
	if !owner.Valid() {
		return SanitizeResult{}, fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	cart, err := s.carts.FindByOwner(ctx, owner)
	if err != nil {
		return SanitizeResult{}, s.mapRepositoryError(err)
	}
	pruned, removed, err := s.prune(ctx, cart)
	if err != nil {
		return SanitizeResult{}, err
	}
	return SanitizeResult{Cart: pruned, Removed: removed}, nil
}

// prune drops lines whose product no longer exists and persists the cart when anything changed.
// Lines whose lookup failed are left out of the returned cart but stay stored, so a catalog outage
// never deletes cart contents.
func (s *cartService) prune(ctx context.Context, cart Cart) (Cart, int, error) {
	audit := auditProducts(ctx, s.catalog, cart.Lines, s.concurrency, func(productID string, err error) {
		s.logger(ctx, "cart.sanitize.lookup.failed", map[string]any{
			"cart":    cart.ID,
			"product": productID,
			"error":   err.Error(),
		})
	})
	if audit.clean() {
		return cart, 0, nil
	}

	updated := cart
	persisted := 0
	if len(audit.missing) > 0 {
		var err error
		updated, err = s.carts.Mutate(ctx, cart.Owner, nil, func(current *Cart) error {
			before := len(current.Lines)
			current.Lines = slices.DeleteFunc(current.Lines, func(line CartLine) bool {
				return audit.isMissing(line.ProductID)
			})
			persisted = before - len(current.Lines)
			if persisted > 0 {
				current.UpdatedAt = s.clock()
			}
			return nil
		})
		if err != nil {
			return Cart{}, 0, s.mapRepositoryError(err)
		}
		if persisted > 0 {
			s.logger(ctx, "cart.sanitized", map[string]any{"cart": updated.ID, "removed": persisted})
		}
	}

	hidden := 0
	updated.Lines = slices.DeleteFunc(slices.Clone(updated.Lines), func(line CartLine) bool {
		if audit.isFailed(line.ProductID) {
			hidden++
			return true
		}
		return false
	})
	return updated, persisted + hidden, nil
}

func (s *cartService) seed(owner OwnerKey) repositories.CartSeed {
	return newCartSeed(owner, s.clock)
}

func (s *cartService) mapRepositoryError(err error) error {
	return mapCartRepositoryError(err)
}

func validateLineCommand(cmd CartLineCommand) error {
	if !cmd.Owner.Valid() {
		return fmt.Errorf("%w: cart owner is required", ErrCartInvalidInput)
	}
	if strings.TrimSpace(cmd.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrCartInvalidInput)
	}
	return nil
}

// newCartSeed builds an empty cart for owner. Guest carts expire GuestCartTTL after creation.
func newCartSeed(owner OwnerKey, clock func() time.Time) repositories.CartSeed {
	return func() Cart {
		now := clock()
		cart := Cart{
			ID:        owner.DocumentID(),
			Owner:     owner,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if owner.Kind == domain.OwnerGuest {
			expireAt := now.Add(domain.GuestCartTTL)
			cart.ExpireAt = &expireAt
		}
		return cart
	}
}

func findOrCreateCart(ctx context.Context, carts repositories.CartRepository, owner OwnerKey, seed repositories.CartSeed) (Cart, error) {
	var lastErr error
	for attempt := 0; attempt < findOrCreateAttempts; attempt++ {
		cart, err := carts.FindOrCreate(ctx, owner, seed)
		if err == nil {
			return cart, nil
		}
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
			return Cart{}, mapCartRepositoryError(err)
		}
		lastErr = err
	}
	return Cart{}, fmt.Errorf("%w: %v", ErrCartConflict, lastErr)
}

// productAudit classifies the products referenced by cart lines. Inactive products are neither
// missing nor failed: their lines stay in the cart and checkout skips them.
type productAudit struct {
	missing map[string]struct{}
	failed  map[string]struct{}
}

func (a productAudit) clean() bool { return len(a.missing) == 0 && len(a.failed) == 0 }

func (a productAudit) isMissing(productID string) bool {
	_, ok := a.missing[productID]
	return ok
}

func (a productAudit) isFailed(productID string) bool {
	_, ok := a.failed[productID]
	return ok
}

// auditProducts looks up every distinct product referenced by lines with bounded concurrency.
// Lookup failures other than not-found are reported through onFailure.
func auditProducts(ctx context.Context, c catalog, lines []CartLine, limit int, onFailure func(string, error)) productAudit {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if !slices.Contains(ids, line.ProductID) {
			ids = append(ids, line.ProductID)
		}
	}

	var mu sync.Mutex
	audit := productAudit{missing: map[string]struct{}{}, failed: map[string]struct{}{}}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	for _, id := range ids {
		group.Go(func() error {
			_, err := c.lookup(groupCtx, id)
			switch {
			case err == nil, errors.Is(err, ErrProductUnavailable):
				return nil
			case errors.Is(err, ErrProductNotFound):
				mu.Lock()
				audit.missing[id] = struct{}{}
				mu.Unlock()
			default:
				if onFailure != nil {
					onFailure(id, err)
				}
				mu.Lock()
				audit.failed[id] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return audit
}

func mapCartRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return err
}
