package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

type stubOrigin struct {
	calls   atomic.Int32
	release chan struct{}
	findFn  func(ctx context.Context, id string) (domain.Product, error)
}

func (s *stubOrigin) FindByID(ctx context.Context, id string) (domain.Product, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	return s.findFn(ctx, id)
}

var errMissing = errors.New("missing")

func kurta(id string) domain.Product {
	return domain.Product{
		ID:                id,
		Name:              "Kurta",
		Price:             decimal.RequireFromString("500"),
		CombinationPrices: map[string]decimal.Decimal{"XL": decimal.RequireFromString("550.50")},
		Sizes:             []string{"M", "XL"},
		Category:          "MEN",
		Active:            true,
		CreatedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestCache(t *testing.T, origin *stubOrigin, opts ProductCacheOptions) (*ProductCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache, err := NewProductCache(client, origin, opts)
	if err != nil {
		t.Fatalf("NewProductCache: %v", err)
	}
	return cache, mr
}

func TestProductCacheReadThrough(t *testing.T) {
	origin := &stubOrigin{findFn: func(_ context.Context, id string) (domain.Product, error) { return kurta(id), nil }}
	cache, mr := newTestCache(t, origin, ProductCacheOptions{TTL: 5 * time.Minute, Jitter: time.Minute})
	ctx := context.Background()

	first, err := cache.FindByID(ctx, "p-1")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	second, err := cache.FindByID(ctx, "p-1")
	if err != nil {
		t.Fatalf("FindByID cached: %v", err)
	}
	if origin.calls.Load() != 1 {
		t.Fatalf("expected one origin read, got %d", origin.calls.Load())
	}
	if !second.Price.Equal(first.Price) || !second.PriceFor("XL").Equal(decimal.RequireFromString("550.5")) || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("cached product differs: %+v vs %+v", second, first)
	}

	ttl := mr.TTL("product:p-1")
	if ttl < 5*time.Minute || ttl >= 6*time.Minute {
		t.Fatalf("expected ttl within [5m, 6m), got %s", ttl)
	}
}

func TestProductCacheCollapsesConcurrentMisses(t *testing.T) {
	origin := &stubOrigin{
		release: make(chan struct{}),
		findFn:  func(_ context.Context, id string) (domain.Product, error) { return kurta(id), nil },
	}
	cache, _ := newTestCache(t, origin, ProductCacheOptions{})

	const readers = 10
	var wg sync.WaitGroup
	wg.Add(readers)
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			if _, err := cache.FindByID(context.Background(), "p-9"); err != nil {
				errs <- err
			}
		}()
	}
	for origin.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(origin.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("FindByID: %v", err)
	}
	if got := origin.calls.Load(); got != 1 {
		t.Fatalf("expected one origin read, got %d", got)
	}
}

func TestProductCacheDoesNotCacheErrors(t *testing.T) {
	origin := &stubOrigin{findFn: func(context.Context, string) (domain.Product, error) { return domain.Product{}, errMissing }}
	cache, mr := newTestCache(t, origin, ProductCacheOptions{})

	for i := 0; i < 2; i++ {
		if _, err := cache.FindByID(context.Background(), "gone"); !errors.Is(err, errMissing) {
			t.Fatalf("expected origin error, got %v", err)
		}
	}
	if origin.calls.Load() != 2 {
		t.Fatalf("expected each miss to reach origin, got %d", origin.calls.Load())
	}
	if mr.Exists("product:gone") {
		t.Fatalf("expected error not to be cached")
	}
}

func TestProductCacheInvalidate(t *testing.T) {
	origin := &stubOrigin{findFn: func(_ context.Context, id string) (domain.Product, error) { return kurta(id), nil }}
	cache, mr := newTestCache(t, origin, ProductCacheOptions{})
	ctx := context.Background()

	if _, err := cache.FindByID(ctx, "p-1"); err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if err := cache.Invalidate(ctx, "p-1", " "); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mr.Exists("product:p-1") {
		t.Fatalf("expected key to be removed")
	}
	if _, err := cache.FindByID(ctx, "p-1"); err != nil {
		t.Fatalf("FindByID after invalidate: %v", err)
	}
	if origin.calls.Load() != 2 {
		t.Fatalf("expected origin reload after invalidate, got %d", origin.calls.Load())
	}
}

func TestProductCacheFallsBackWhenRedisDown(t *testing.T) {
	origin := &stubOrigin{findFn: func(_ context.Context, id string) (domain.Product, error) { return kurta(id), nil }}
	var events []string
	var mu sync.Mutex
	cache, mr := newTestCache(t, origin, ProductCacheOptions{Logger: func(_ context.Context, event string, _ map[string]any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}})
	mr.Close()

	product, err := cache.FindByID(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("expected origin fallback, got %v", err)
	}
	if product.ID != "p-1" {
		t.Fatalf("unexpected product %+v", product)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0] != "product_cache.get.failed" {
		t.Fatalf("expected redis failure to be logged, got %v", events)
	}
}
