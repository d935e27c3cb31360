package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartSeed builds the cart written when a mutation targets an owner without a cart yet.
type CartSeed func() domain.Cart

// CartRepository persists one cart per owner key. Mutations run as atomic read-modify-write
// operations so concurrent requests for the same owner never lose updates.
type CartRepository interface {
	FindByOwner(ctx context.Context, owner domain.OwnerKey) (domain.Cart, error)
	// FindOrCreate returns the stored cart or creates the seeded one. A concurrent creator
	// surfaces as a conflict error; callers re-read.
	FindOrCreate(ctx context.Context, owner domain.OwnerKey, seed CartSeed) (domain.Cart, error)
	// Mutate applies fn to the current cart and persists the result. When the cart is missing
	// and seed is nil the call fails with a not-found error.
	Mutate(ctx context.Context, owner domain.OwnerKey, seed CartSeed, fn func(*domain.Cart) error) (domain.Cart, error)
	// Merge loads source and target, applies fn, persists target and deletes source in one
	// atomic step. A missing source yields a not-found error.
	Merge(ctx context.Context, source, target domain.OwnerKey, seed CartSeed, fn func(source domain.Cart, target *domain.Cart) error) (domain.Cart, error)
	Delete(ctx context.Context, owner domain.OwnerKey) error
}

// ProductRepository is the read side of the product catalog.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// OrderRepository persists orders. Insert is a single atomic document create.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	// Mutate applies fn to the stored order inside a transaction and persists the result.
	Mutate(ctx context.Context, orderID string, fn func(*domain.Order) error) (domain.Order, error)
}

// WholesaleSettingsRepository stores the single versioned wholesale pricing record.
type WholesaleSettingsRepository interface {
	Get(ctx context.Context) (domain.WholesaleSettings, error)
	// Save writes settings when the stored version equals expectedVersion and returns the
	// record with its incremented version.
	Save(ctx context.Context, settings domain.WholesaleSettings, expectedVersion int64) (domain.WholesaleSettings, error)
}

// RefreshTokenRepository persists hashed refresh tokens.
type RefreshTokenRepository interface {
	Insert(ctx context.Context, token domain.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error)
	// Rotate revokes the token identified by oldHash and stores next atomically. It fails with
	// a conflict error when the old token is no longer active at now.
	Rotate(ctx context.Context, oldHash string, next domain.RefreshToken, now time.Time) error
	Revoke(ctx context.Context, tokenHash string, now time.Time) error
}
