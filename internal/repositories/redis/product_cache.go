// Package redis holds read-through caches backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const (
	defaultProductTTL    = 5 * time.Minute
	defaultProductJitter = time.Minute
	defaultKeyPrefix     = "product:"
)

// ProductCacheOptions tunes the cache. Zero values fall back to defaults.
type ProductCacheOptions struct {
	TTL       time.Duration
	Jitter    time.Duration
	KeyPrefix string
	Logger    func(context.Context, string, map[string]any)
}

// ProductCache fronts a ProductRepository with Redis. Concurrent misses for the same product
// collapse into one origin read. Redis failures degrade to origin reads and are never returned.
type ProductCache struct {
	client goredis.UniversalClient
	origin repositories.ProductRepository
	ttl    time.Duration
	jitter time.Duration
	prefix string
	logger func(context.Context, string, map[string]any)
	group  singleflight.Group
}

var _ repositories.ProductRepository = (*ProductCache)(nil)

type cachedProduct struct {
	ID                string                     `json:"id"`
	Name              string                     `json:"name"`
	Price             decimal.Decimal            `json:"price"`
	CombinationPrices map[string]decimal.Decimal `json:"combinationPrices,omitempty"`
	Sizes             []string                   `json:"sizes,omitempty"`
	Colors            []string                   `json:"colors,omitempty"`
	Category          string                     `json:"category"`
	Active            bool                       `json:"active"`
	CreatedAt         time.Time                  `json:"createdAt"`
}

// NewProductCache wraps origin with a Redis read-through cache.
func NewProductCache(client goredis.UniversalClient, origin repositories.ProductRepository, opts ProductCacheOptions) (*ProductCache, error) {
	if client == nil {
		return nil, errors.New("product cache: redis client is required")
	}
	if origin == nil {
		return nil, errors.New("product cache: origin repository is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultProductTTL
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = 0
	} else if jitter == 0 {
		jitter = defaultProductJitter
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ProductCache{
		client: client,
		origin: origin,
		ttl:    ttl,
		jitter: jitter,
		prefix: prefix,
		logger: logger,
	}, nil
}

// FindByID serves the product from Redis, loading and caching it from origin on a miss. Origin
// errors, including not found, are returned unchanged and never cached.
func (c *ProductCache) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if product, ok := c.lookup(ctx, id); ok {
		return product, nil
	}

	v, err, _ := c.group.Do(id, func() (any, error) {
		product, err := c.origin.FindByID(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		c.store(ctx, product)
		return product, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// Invalidate drops cached entries so the next read goes to origin.
func (c *ProductCache) Invalidate(ctx context.Context, productIDs ...string) error {
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			keys = append(keys, c.key(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("product cache: invalidate: %w", err)
	}
	c.logger(ctx, "product_cache.invalidated", map[string]any{"count": len(keys)})
	return nil
}

func (c *ProductCache) lookup(ctx context.Context, id string) (domain.Product, bool) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Product{}, false
	}
	if err != nil {
		c.logger(ctx, "product_cache.get.failed", map[string]any{"product": id, "error": err.Error()})
		return domain.Product{}, false
	}
	var entry cachedProduct
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger(ctx, "product_cache.decode.failed", map[string]any{"product": id, "error": err.Error()})
		return domain.Product{}, false
	}
	return domain.Product(entry), true
}

func (c *ProductCache) store(ctx context.Context, product domain.Product) {
	data, err := json.Marshal(cachedProduct(product))
	if err != nil {
		c.logger(ctx, "product_cache.encode.failed", map[string]any{"product": product.ID, "error": err.Error()})
		return
	}
	if err := c.client.Set(ctx, c.key(product.ID), data, c.expiry()).Err(); err != nil {
		c.logger(ctx, "product_cache.set.failed", map[string]any{"product": product.ID, "error": err.Error()})
	}
}

func (c *ProductCache) expiry() time.Duration {
	if c.jitter <= 0 {
		return c.ttl
	}
	return c.ttl + time.Duration(rand.Int63n(int64(c.jitter)))
}

func (c *ProductCache) key(id string) string {
	return c.prefix + id
}
