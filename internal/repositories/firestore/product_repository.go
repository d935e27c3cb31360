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

const productCollection = "products"

type productDocument struct {
	Name              string            `firestore:"name"`
	Price             string            `firestore:"price"`
	CombinationPrices map[string]string `firestore:"combinationPrices,omitempty"`
	Sizes             []string          `firestore:"sizes,omitempty"`
	Colors            []string          `firestore:"colors,omitempty"`
	Category          string            `firestore:"category"`
	Active            bool              `firestore:"isActive"`
	CreatedAt         time.Time         `firestore:"createdAt"`
}

// ProductRepository reads catalog documents from the products collection. The catalog is owned
// by another service; this repository never writes.
type ProductRepository struct {
	products *pfirestore.Collection[domain.Product]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		products: pfirestore.NewCollection(provider, productCollection, encodeProduct, decodeProduct),
	}, nil
}

// FindByID loads a product by its document id.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" || strings.Contains(id, "/") {
		return domain.Product{}, pfirestore.NotFoundError(r.products.Name()+".get", fmt.Errorf("invalid product id %q", productID))
	}
	return r.products.Get(ctx, id)
}

func encodeProduct(product domain.Product) (any, error) {
	doc := productDocument{
		Name:      product.Name,
		Price:     product.Price.String(),
		Sizes:     product.Sizes,
		Colors:    product.Colors,
		Category:  product.Category,
		Active:    product.Active,
		CreatedAt: product.CreatedAt.UTC(),
	}
	if len(product.CombinationPrices) > 0 {
		doc.CombinationPrices = make(map[string]string, len(product.CombinationPrices))
		for size, price := range product.CombinationPrices {
			doc.CombinationPrices[size] = price.String()
		}
	}
	return doc, nil
}

func decodeProduct(snap *firestore.DocumentSnapshot) (domain.Product, error) {
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, err
	}
	price, err := parseDecimal("price", doc.Price)
	if err != nil {
		return domain.Product{}, err
	}
	product := domain.Product{
		ID:        snap.Ref.ID,
		Name:      doc.Name,
		Price:     price,
		Sizes:     doc.Sizes,
		Colors:    doc.Colors,
		Category:  doc.Category,
		Active:    doc.Active,
		CreatedAt: doc.CreatedAt.UTC(),
	}
	if len(doc.CombinationPrices) > 0 {
		product.CombinationPrices = make(map[string]decimal.Decimal, len(doc.CombinationPrices))
		for size, raw := range doc.CombinationPrices {
			value, err := parseDecimal("combinationPrices."+size, raw)
			if err != nil {
				return domain.Product{}, err
			}
			product.CombinationPrices[size] = value
		}
	}
	return product, nil
}
