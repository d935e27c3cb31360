package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
)

func newTestCartService(t *testing.T, carts *memCartRepository, products *memProductRepository, now time.Time) CartService {
	t.Helper()
	service, err := NewCartService(CartServiceDeps{
		Carts:    carts,
		Products: products,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error constructing cart service: %v", err)
	}
	return service
}

func TestNewCartServiceRequiresRepositories(t *testing.T) {
	if _, err := NewCartService(CartServiceDeps{Products: newMemProductRepository()}); err == nil {
		t.Fatalf("expected error without cart repository")
	}
	if _, err := NewCartService(CartServiceDeps{Carts: newMemCartRepository()}); err == nil {
		t.Fatalf("expected error without product repository")
	}
}

func TestCartServiceFindOrCreateSeedsGuestExpiry(t *testing.T) {
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, newMemProductRepository(), now)

	cart, err := service.FindOrCreate(context.Background(), domain.GuestOwner("gst_1"))
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if cart.ID != "guest:gst_1" {
		t.Fatalf("unexpected cart id %q", cart.ID)
	}
	if cart.ExpireAt == nil || !cart.ExpireAt.Equal(now.Add(7*24*time.Hour)) {
		t.Fatalf("expected guest cart to expire in 7 days, got %v", cart.ExpireAt)
	}

	userCart, err := service.FindOrCreate(context.Background(), domain.UserOwner("u-1"))
	if err != nil {
		t.Fatalf("FindOrCreate user: %v", err)
	}
	if userCart.ExpireAt != nil {
		t.Fatalf("expected user cart without expiry")
	}
}

func TestCartServiceFindOrCreateRereadsAfterConcurrentCreate(t *testing.T) {
	carts := newMemCartRepository()
	carts.createRaces = 1
	service := newTestCartService(t, carts, newMemProductRepository(), time.Now())

	cart, err := service.FindOrCreate(context.Background(), domain.GuestOwner("gst_race"))
	if err != nil {
		t.Fatalf("expected conflict to resolve by re-read, got %v", err)
	}
	if cart.ID != "guest:gst_race" {
		t.Fatalf("unexpected cart %+v", cart)
	}
}

func TestCartServiceFindOrCreateRejectsInvalidOwner(t *testing.T) {
	service := newTestCartService(t, newMemCartRepository(), newMemProductRepository(), time.Now())
	if _, err := service.FindOrCreate(context.Background(), domain.UserOwner("  ")); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCartServiceAddLineMergesVariants(t *testing.T) {
	products := newMemProductRepository(activeProduct("p1", "500"))
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, products, time.Now())
	owner := domain.UserOwner("u-1")
	ctx := context.Background()

	if _, err := service.AddLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 2, Size: "M"}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	cart, err := service.AddLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 3, Size: "M"})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].Quantity != 5 {
		t.Fatalf("expected single line with quantity 5, got %+v", cart.Lines)
	}
	assertDecimal(t, "line total", cart.Lines[0].LineTotal, "2500")

	cart, err = service.AddLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1, Size: "L"})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	if len(cart.Lines) != 2 {
		t.Fatalf("expected a separate line per size, got %d", len(cart.Lines))
	}
	if !cart.Lines[1].TaxOnLine.IsZero() || !cart.Lines[1].PriceWithTax.IsZero() {
		t.Fatalf("expected tax to be deferred to checkout")
	}
}

func TestCartServiceAddLineUsesCombinationPrice(t *testing.T) {
	product := activeProduct("p1", "500")
	product.CombinationPrices = map[string]decimal.Decimal{"XL": dec("650")}
	service := newTestCartService(t, newMemCartRepository(), newMemProductRepository(product), time.Now())

	cart, err := service.AddLine(context.Background(), CartLineCommand{Owner: domain.UserOwner("u-1"), ProductID: "p1", Quantity: 2, Size: "XL"})
	if err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	assertDecimal(t, "unit price", cart.Lines[0].UnitPrice, "650")
	assertDecimal(t, "line total", cart.Lines[0].LineTotal, "1300")
}

func TestCartServiceAddLineCatalogErrors(t *testing.T) {
	inactive := activeProduct("old", "10")
	inactive.Active = false
	products := newMemProductRepository(inactive)
	products.errs["flaky"] = unavailableErr()
	service := newTestCartService(t, newMemCartRepository(), products, time.Now())
	owner := domain.UserOwner("u-1")

	cases := []struct {
		productID string
		want      error
	}{
		{"missing", ErrProductNotFound},
		{"old", ErrProductUnavailable},
		{"flaky", ErrBackendUnavailable},
	}
	for _, tc := range cases {
		_, err := service.AddLine(context.Background(), CartLineCommand{Owner: owner, ProductID: tc.productID, Quantity: 1})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.productID, tc.want, err)
		}
	}

	if _, err := service.AddLine(context.Background(), CartLineCommand{Owner: owner, ProductID: "old", Quantity: 0}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for zero quantity, got %v", err)
	}
}

func TestCartServiceConcurrentAddsDoNotLoseIncrements(t *testing.T) {
	products := newMemProductRepository(activeProduct("p1", "10"))
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, products, time.Now())
	owner := domain.GuestOwner("gst_busy")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.AddLine(context.Background(), CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1}); err != nil {
				t.Errorf("AddLine: %v", err)
			}
		}()
	}
	wg.Wait()

	cart, ok := carts.get(owner)
	if !ok || len(cart.Lines) != 1 || cart.Lines[0].Quantity != 20 {
		t.Fatalf("expected quantity 20 after concurrent adds, got %+v", cart.Lines)
	}
}

func TestCartServiceUpdateLine(t *testing.T) {
	product := activeProduct("p1", "100")
	product.Sizes = []string{"S", "M"}
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, newMemProductRepository(product), time.Now())
	owner := domain.UserOwner("u-1")
	ctx := context.Background()

	if _, err := service.AddLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1, Size: "M"}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}

	cart, err := service.UpdateLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 4, Size: "M"})
	if err != nil {
		t.Fatalf("UpdateLine: %v", err)
	}
	if cart.Lines[0].Quantity != 4 {
		t.Fatalf("expected quantity 4, got %d", cart.Lines[0].Quantity)
	}
	assertDecimal(t, "line total", cart.Lines[0].LineTotal, "400")

	if _, err := service.UpdateLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1, Size: "XXL"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid size to be rejected, got %v", err)
	}
	if _, err := service.UpdateLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1, Size: "S"}); !errors.Is(err, ErrCartLineNotFound) {
		t.Fatalf("expected missing line, got %v", err)
	}
	if _, err := service.UpdateLine(ctx, CartLineCommand{Owner: domain.UserOwner("nobody"), ProductID: "p1", Quantity: 1, Size: "S"}); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected missing cart, got %v", err)
	}
	if _, err := service.UpdateLine(ctx, CartLineCommand{Owner: owner, ProductID: "p1", Quantity: -2, Size: "M"}); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected negative quantity to be rejected, got %v", err)
	}
}

func TestCartServiceRemoveAndClear(t *testing.T) {
	products := newMemProductRepository(activeProduct("p1", "10"), activeProduct("p2", "20"))
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, products, time.Now())
	owner := domain.UserOwner("u-1")
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if _, err := service.AddLine(ctx, CartLineCommand{Owner: owner, ProductID: id, Quantity: 1, Color: "red"}); err != nil {
			t.Fatalf("AddLine: %v", err)
		}
	}

	if _, err := service.RemoveLine(ctx, RemoveCartLineCommand{Owner: owner, Line: LineKey{ProductID: "p1"}}); !errors.Is(err, ErrCartLineNotFound) {
		t.Fatalf("expected variant mismatch to be not found, got %v", err)
	}
	cart, err := service.RemoveLine(ctx, RemoveCartLineCommand{Owner: owner, Line: LineKey{ProductID: "p1", Color: "red"}})
	if err != nil {
		t.Fatalf("RemoveLine: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "p2" {
		t.Fatalf("unexpected lines after remove %+v", cart.Lines)
	}

	cart, err = service.Clear(ctx, owner)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected empty cart after clear")
	}
	if _, ok := carts.get(owner); !ok {
		t.Fatalf("expected cart document to be kept after clear")
	}
	if _, err := service.Clear(ctx, domain.UserOwner("ghost")); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected clear of missing cart to fail, got %v", err)
	}
}

func TestCartServiceSanitizeDropsUnresolvableProducts(t *testing.T) {
	products := newMemProductRepository(activeProduct("keep", "10"))
	products.errs["flaky"] = unavailableErr()
	carts := newMemCartRepository()
	owner := domain.UserOwner("u-1")
	carts.put(Cart{ID: owner.DocumentID(), Owner: owner, Lines: []CartLine{
		{ProductID: "keep", Quantity: 1, UnitPrice: dec("10"), LineTotal: dec("10")},
		{ProductID: "gone", Quantity: 2, UnitPrice: dec("5"), LineTotal: dec("10")},
		{ProductID: "gone", Quantity: 1, Size: "L", UnitPrice: dec("5"), LineTotal: dec("5")},
		{ProductID: "flaky", Quantity: 1, UnitPrice: dec("7"), LineTotal: dec("7")},
	}})

	var logged []string
	var mu sync.Mutex
	service, err := NewCartService(CartServiceDeps{
		Carts:    carts,
		Products: products,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}

	result, err := service.Sanitize(context.Background(), owner)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if result.Removed != 3 {
		t.Fatalf("expected 3 lines removed, got %d", result.Removed)
	}
	if len(result.Cart.Lines) != 1 || result.Cart.Lines[0].ProductID != "keep" {
		t.Fatalf("unexpected remaining lines %+v", result.Cart.Lines)
	}
	if products.lookups != 3 {
		t.Fatalf("expected one lookup per distinct product, got %d", products.lookups)
	}
	stored, _ := carts.get(owner)
	if len(stored.Lines) != 2 || stored.Lines[0].ProductID != "keep" || stored.Lines[1].ProductID != "flaky" {
		t.Fatalf("expected only missing products to be deleted from storage, got %+v", stored.Lines)
	}
	foundFailure := false
	for _, event := range logged {
		if event == "cart.sanitize.lookup.failed" {
			foundFailure = true
		}
	}
	if !foundFailure {
		t.Fatalf("expected lookup failure to be logged, got %v", logged)
	}

	if _, err := service.Sanitize(context.Background(), domain.UserOwner("ghost")); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected missing cart error, got %v", err)
	}
}

func TestCartServiceGetPrunesWithoutWritingCleanCarts(t *testing.T) {
	products := newMemProductRepository(activeProduct("p1", "10"))
	carts := newMemCartRepository()
	service := newTestCartService(t, carts, products, time.Now())
	owner := domain.UserOwner("u-1")

	if _, err := service.AddLine(context.Background(), CartLineCommand{Owner: owner, ProductID: "p1", Quantity: 1}); err != nil {
		t.Fatalf("AddLine: %v", err)
	}
	before := carts.mutations

	cart, err := service.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cart.Lines) != 1 {
		t.Fatalf("expected line to survive, got %+v", cart.Lines)
	}
	if carts.mutations != before {
		t.Fatalf("expected clean cart read not to write")
	}

	delete(products.products, "p1")
	cart, err = service.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Fatalf("expected deleted product to be pruned on read")
	}
}

func TestCartServiceGetKeepsDeactivatedProducts(t *testing.T) {
	inactive := activeProduct("p1", "10")
	inactive.Active = false
	products := newMemProductRepository(inactive)
	carts := newMemCartRepository()
	owner := domain.UserOwner("u-1")
	carts.put(Cart{ID: owner.DocumentID(), Owner: owner, Lines: []CartLine{
		{ProductID: "p1", Quantity: 2, UnitPrice: dec("10"), LineTotal: dec("20")},
	}})
	service := newTestCartService(t, carts, products, time.Now())
	before := carts.mutations

	cart, err := service.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "p1" {
		t.Fatalf("expected deactivated line to be returned, got %+v", cart.Lines)
	}
	stored, _ := carts.get(owner)
	if len(stored.Lines) != 1 {
		t.Fatalf("expected deactivated line to stay stored, got %+v", stored.Lines)
	}
	if carts.mutations != before {
		t.Fatalf("expected no write for a deactivated product")
	}

	result, err := service.Sanitize(context.Background(), owner)
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if result.Removed != 0 || len(result.Cart.Lines) != 1 {
		t.Fatalf("expected sanitize to keep deactivated line, got %+v", result)
	}
}

func TestCartServiceGetDuringCatalogOutageKeepsStoredLines(t *testing.T) {
	products := newMemProductRepository(activeProduct("p2", "5"))
	products.errs["p1"] = unavailableErr()
	carts := newMemCartRepository()
	owner := domain.UserOwner("u-1")
	carts.put(Cart{ID: owner.DocumentID(), Owner: owner, Lines: []CartLine{
		{ProductID: "p1", Quantity: 1, UnitPrice: dec("10"), LineTotal: dec("10")},
		{ProductID: "p2", Quantity: 1, UnitPrice: dec("5"), LineTotal: dec("5")},
	}})
	service := newTestCartService(t, carts, products, time.Now())
	before := carts.mutations

	cart, err := service.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "p2" {
		t.Fatalf("expected unresolved line to be left out of the response, got %+v", cart.Lines)
	}
	stored, _ := carts.get(owner)
	if len(stored.Lines) != 2 {
		t.Fatalf("expected outage not to delete stored lines, got %+v", stored.Lines)
	}
	if carts.mutations != before {
		t.Fatalf("expected no write during a catalog outage")
	}

	delete(products.errs, "p1")
	products.products["p1"] = activeProduct("p1", "10")
	cart, err = service.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if len(cart.Lines) != 2 {
		t.Fatalf("expected line to reappear once the catalog recovers, got %+v", cart.Lines)
	}
}
