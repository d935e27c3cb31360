package services

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

type testRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string       { return e.msg }
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr() error    { return testRepoError{msg: "not found", notFound: true} }
func conflictErr() error    { return testRepoError{msg: "conflict", conflict: true} }
func unavailableErr() error { return testRepoError{msg: "unavailable", unavailable: true} }

func cloneCart(cart Cart) Cart {
	cart.Lines = slices.Clone(cart.Lines)
	return cart
}

type memCartRepository struct {
	mu    sync.Mutex
	carts map[string]Cart
	// createRaces makes FindOrCreate behave as if a concurrent creator won the next n creates.
	createRaces int
	mutations   int
}

var _ repositories.CartRepository = (*memCartRepository)(nil)

func newMemCartRepository() *memCartRepository {
	return &memCartRepository{carts: map[string]Cart{}}
}

func (r *memCartRepository) put(cart Cart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[cart.Owner.DocumentID()] = cloneCart(cart)
}

func (r *memCartRepository) get(owner OwnerKey) (Cart, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[owner.DocumentID()]
	return cloneCart(cart), ok
}

func (r *memCartRepository) FindByOwner(_ context.Context, owner OwnerKey) (Cart, error) {
	cart, ok := r.get(owner)
	if !ok {
		return Cart{}, notFoundErr()
	}
	return cart, nil
}

func (r *memCartRepository) FindOrCreate(_ context.Context, owner OwnerKey, seed repositories.CartSeed) (Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := owner.DocumentID()
	if cart, ok := r.carts[key]; ok {
		return cloneCart(cart), nil
	}
	cart := seed()
	r.carts[key] = cloneCart(cart)
	if r.createRaces > 0 {
		r.createRaces--
		return Cart{}, conflictErr()
	}
	return cart, nil
}

func (r *memCartRepository) Mutate(_ context.Context, owner OwnerKey, seed repositories.CartSeed, fn func(*Cart) error) (Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := owner.DocumentID()
	cart, ok := r.carts[key]
	if !ok {
		if seed == nil {
			return Cart{}, notFoundErr()
		}
		cart = seed()
	}
	cart = cloneCart(cart)
	if err := fn(&cart); err != nil {
		return Cart{}, err
	}
	r.mutations++
	r.carts[key] = cloneCart(cart)
	return cart, nil
}

func (r *memCartRepository) Merge(_ context.Context, source, target OwnerKey, seed repositories.CartSeed, fn func(Cart, *Cart) error) (Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.carts[source.DocumentID()]
	if !ok {
		return Cart{}, notFoundErr()
	}
	dst, ok := r.carts[target.DocumentID()]
	if !ok {
		dst = seed()
	}
	dst = cloneCart(dst)
	if err := fn(cloneCart(src), &dst); err != nil {
		return Cart{}, err
	}
	r.carts[target.DocumentID()] = cloneCart(dst)
	delete(r.carts, source.DocumentID())
	return dst, nil
}

func (r *memCartRepository) Delete(_ context.Context, owner OwnerKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.carts[owner.DocumentID()]; !ok {
		return notFoundErr()
	}
	delete(r.carts, owner.DocumentID())
	return nil
}

type memProductRepository struct {
	mu       sync.Mutex
	products map[string]Product
	errs     map[string]error
	lookups  int
}

func newMemProductRepository(products ...Product) *memProductRepository {
	repo := &memProductRepository{products: map[string]Product{}, errs: map[string]error{}}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	return repo
}

func (r *memProductRepository) FindByID(_ context.Context, productID string) (Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if err, ok := r.errs[productID]; ok {
		return Product{}, err
	}
	product, ok := r.products[productID]
	if !ok {
		return Product{}, notFoundErr()
	}
	return product, nil
}

type memOrderRepository struct {
	mu        sync.Mutex
	orders    map[string]Order
	insertErr error
}

func newMemOrderRepository() *memOrderRepository {
	return &memOrderRepository{orders: map[string]Order{}}
}

func (r *memOrderRepository) Insert(_ context.Context, order Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, ok := r.orders[order.ID]; ok {
		return conflictErr()
	}
	order.Lines = slices.Clone(order.Lines)
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepository) FindByID(_ context.Context, orderID string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return Order{}, notFoundErr()
	}
	return order, nil
}

func (r *memOrderRepository) ListByUser(_ context.Context, userID string, limit int) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, order := range r.orders {
		if order.UserID == userID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOrderRepository) Mutate(_ context.Context, orderID string, fn func(*Order) error) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return Order{}, notFoundErr()
	}
	order.Lines = slices.Clone(order.Lines)
	if err := fn(&order); err != nil {
		return Order{}, err
	}
	r.orders[orderID] = order
	return order, nil
}

type memSettingsRepository struct {
	mu       sync.Mutex
	settings *WholesaleSettings
	getErr   error
}

func (r *memSettingsRepository) Get(context.Context) (WholesaleSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return WholesaleSettings{}, r.getErr
	}
	if r.settings == nil {
		return WholesaleSettings{}, notFoundErr()
	}
	return *r.settings, nil
}

func (r *memSettingsRepository) Save(_ context.Context, settings WholesaleSettings, expectedVersion int64) (WholesaleSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var current int64
	if r.settings != nil {
		current = r.settings.Version
	}
	if current != expectedVersion {
		return WholesaleSettings{}, conflictErr()
	}
	settings.Version = current + 1
	r.settings = &settings
	return settings, nil
}

type memRefreshTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken
}

func newMemRefreshTokenRepository() *memRefreshTokenRepository {
	return &memRefreshTokenRepository{tokens: map[string]RefreshToken{}}
}

func (r *memRefreshTokenRepository) Insert(_ context.Context, token RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[token.TokenHash]; ok {
		return conflictErr()
	}
	r.tokens[token.TokenHash] = token
	return nil
}

func (r *memRefreshTokenRepository) FindByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[tokenHash]
	if !ok {
		return RefreshToken{}, notFoundErr()
	}
	return token, nil
}

func (r *memRefreshTokenRepository) Rotate(_ context.Context, oldHash string, next RefreshToken, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.tokens[oldHash]
	if !ok {
		return notFoundErr()
	}
	if !old.Active(now) {
		return conflictErr()
	}
	revokedAt := now
	old.RevokedAt = &revokedAt
	old.ReplacedBy = next.ID
	r.tokens[oldHash] = old
	r.tokens[next.TokenHash] = next
	return nil
}

func (r *memRefreshTokenRepository) Revoke(_ context.Context, tokenHash string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[tokenHash]
	if !ok {
		return notFoundErr()
	}
	if token.RevokedAt == nil {
		revokedAt := now
		token.RevokedAt = &revokedAt
		r.tokens[tokenHash] = token
	}
	return nil
}

func activeProduct(id, price string) Product {
	return Product{ID: id, Name: "Product " + id, Price: dec(price), Active: true, Category: "shirts"}
}

func wholesaleProduct(id, price string) Product {
	p := activeProduct(id, price)
	p.Category = domain.WholesaleCategory
	return p
}
