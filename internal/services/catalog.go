package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/storefront/api/internal/repositories"
)

var (
	// ErrProductNotFound indicates the product does not exist in the catalog.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrProductUnavailable indicates the product exists but is not offered for sale.
	ErrProductUnavailable = errors.New("catalog: product unavailable")
	// ErrBackendUnavailable indicates a storage or catalog backend could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// catalog resolves products for the cart and order services.
type catalog struct {
	products repositories.ProductRepository
}

// lookup resolves an active product by id.
func (c catalog) lookup(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrProductNotFound)
	}
	product, err := c.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsNotFound():
				return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
			case repoErr.IsUnavailable():
				return Product{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}
		return Product{}, err
	}
	if !product.Active {
		return Product{}, fmt.Errorf("%w: %s", ErrProductUnavailable, productID)
	}
	return product, nil
}

// notOrderable reports whether err means the product is missing or inactive rather than a
// transient failure.
func notOrderable(err error) bool {
	return errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrProductUnavailable)
}
