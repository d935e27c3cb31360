package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const cartCollection = "carts"

type cartDocument struct {
	OwnerKind string             `firestore:"ownerKind"`
	OwnerID   string             `firestore:"ownerId"`
	Lines     []cartLineDocument `firestore:"lines"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
	ExpireAt  *time.Time         `firestore:"expireAt,omitempty"`
}

type cartLineDocument struct {
	ProductID    string    `firestore:"productId"`
	Quantity     int       `firestore:"quantity"`
	Size         string    `firestore:"size"`
	Color        string    `firestore:"color"`
	UnitPrice    string    `firestore:"unitPrice"`
	LineTotal    string    `firestore:"lineTotal"`
	TaxOnLine    string    `firestore:"taxOnLine,omitempty"`
	PriceWithTax string    `firestore:"priceWithTax,omitempty"`
	Status       string    `firestore:"status"`
	AddedAt      time.Time `firestore:"addedAt"`
}

// CartRepository stores one document per owner key in the carts collection. Guest carts carry an
// expireAt field that the collection TTL policy uses to purge abandoned sessions.
type CartRepository struct {
	carts *pfirestore.Collection[domain.Cart]
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		carts: pfirestore.NewCollection(provider, cartCollection, encodeCart, decodeCart),
	}, nil
}

// FindByOwner loads the cart for owner.
func (r *CartRepository) FindByOwner(ctx context.Context, owner domain.OwnerKey) (domain.Cart, error) {
	if err := requireOwner(owner); err != nil {
		return domain.Cart{}, err
	}
	return r.carts.Get(ctx, owner.DocumentID())
}

// FindOrCreate returns the stored cart or creates the seeded one. Two concurrent creators race on
// the document create; the loser receives a conflict error.
func (r *CartRepository) FindOrCreate(ctx context.Context, owner domain.OwnerKey, seed repositories.CartSeed) (domain.Cart, error) {
	if err := requireOwner(owner); err != nil {
		return domain.Cart{}, err
	}
	if seed == nil {
		return domain.Cart{}, errors.New("cart repository: seed is required")
	}
	cart, err := r.carts.Get(ctx, owner.DocumentID())
	if err == nil {
		return cart, nil
	}
	if !pfirestore.IsNotFound(err) {
		return domain.Cart{}, err
	}

	cart = seed()
	cart.ID = owner.DocumentID()
	cart.Owner = owner
	if err := r.carts.Create(ctx, cart.ID, cart); err != nil {
		return domain.Cart{}, err
	}
	return cart, nil
}

// Mutate runs fn against the current cart inside a transaction. Firestore retries the closure on
// contention, so concurrent mutations of one owner serialise.
func (r *CartRepository) Mutate(ctx context.Context, owner domain.OwnerKey, seed repositories.CartSeed, fn func(*domain.Cart) error) (domain.Cart, error) {
	if err := requireOwner(owner); err != nil {
		return domain.Cart{}, err
	}
	doc, err := r.carts.Doc(ctx, owner.DocumentID())
	if err != nil {
		return domain.Cart{}, err
	}

	var result domain.Cart
	err = r.carts.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cart, found, err := r.carts.TxGet(tx, doc)
		if err != nil {
			return err
		}
		if !found {
			if seed == nil {
				return pfirestore.NotFoundError(r.carts.Name()+".mutate", fmt.Errorf("cart %s not found", doc.ID))
			}
			cart = seed()
			cart.ID = doc.ID
			cart.Owner = owner
		}
		if err := fn(&cart); err != nil {
			return err
		}
		if err := r.carts.TxSet(tx, doc, cart); err != nil {
			return err
		}
		result = cart
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return result, nil
}

// Merge folds the source cart into the target and deletes the source within one transaction.
func (r *CartRepository) Merge(ctx context.Context, source, target domain.OwnerKey, seed repositories.CartSeed, fn func(source domain.Cart, target *domain.Cart) error) (domain.Cart, error) {
	if err := requireOwner(source); err != nil {
		return domain.Cart{}, err
	}
	if err := requireOwner(target); err != nil {
		return domain.Cart{}, err
	}
	if seed == nil {
		return domain.Cart{}, errors.New("cart repository: seed is required")
	}
	sourceDoc, err := r.carts.Doc(ctx, source.DocumentID())
	if err != nil {
		return domain.Cart{}, err
	}
	targetDoc, err := r.carts.Doc(ctx, target.DocumentID())
	if err != nil {
		return domain.Cart{}, err
	}

	var result domain.Cart
	err = r.carts.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		src, found, err := r.carts.TxGet(tx, sourceDoc)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NotFoundError(r.carts.Name()+".merge", fmt.Errorf("cart %s not found", sourceDoc.ID))
		}
		dst, found, err := r.carts.TxGet(tx, targetDoc)
		if err != nil {
			return err
		}
		if !found {
			dst = seed()
			dst.ID = targetDoc.ID
			dst.Owner = target
		}
		if err := fn(src, &dst); err != nil {
			return err
		}
		if err := r.carts.TxSet(tx, targetDoc, dst); err != nil {
			return err
		}
		if err := tx.Delete(sourceDoc); err != nil {
			return pfirestore.WrapError(r.carts.Name()+".merge.delete", err)
		}
		result = dst
		return nil
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return result, nil
}

// Delete removes the cart for owner. Deleting a missing cart succeeds.
func (r *CartRepository) Delete(ctx context.Context, owner domain.OwnerKey) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	doc, err := r.carts.Doc(ctx, owner.DocumentID())
	if err != nil {
		return err
	}
	if _, err := doc.Delete(ctx); err != nil {
		return pfirestore.WrapError(r.carts.Name()+".delete", err)
	}
	return nil
}

func requireOwner(owner domain.OwnerKey) error {
	if !owner.Valid() {
		return fmt.Errorf("cart repository: invalid owner %q", owner.DocumentID())
	}
	return nil
}

func encodeCart(cart domain.Cart) (any, error) {
	doc := cartDocument{
		OwnerKind: string(cart.Owner.Kind),
		OwnerID:   cart.Owner.ID,
		Lines:     make([]cartLineDocument, 0, len(cart.Lines)),
		CreatedAt: cart.CreatedAt.UTC(),
		UpdatedAt: cart.UpdatedAt.UTC(),
		ExpireAt:  utcPtr(cart.ExpireAt),
	}
	for _, line := range cart.Lines {
		doc.Lines = append(doc.Lines, cartLineDocument{
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			Size:         line.Size,
			Color:        line.Color,
			UnitPrice:    line.UnitPrice.String(),
			LineTotal:    line.LineTotal.String(),
			TaxOnLine:    optionalDecimal(line.TaxOnLine),
			PriceWithTax: optionalDecimal(line.PriceWithTax),
			Status:       string(line.Status),
			AddedAt:      line.AddedAt.UTC(),
		})
	}
	return doc, nil
}

func decodeCart(snap *firestore.DocumentSnapshot) (domain.Cart, error) {
	var doc cartDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Cart{}, err
	}
	cart := domain.Cart{
		ID:        snap.Ref.ID,
		Owner:     domain.OwnerKey{Kind: domain.OwnerKind(doc.OwnerKind), ID: doc.OwnerID},
		Lines:     make([]domain.CartLine, 0, len(doc.Lines)),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		ExpireAt:  utcPtr(doc.ExpireAt),
	}
	for _, line := range doc.Lines {
		unit, err := parseDecimal("unitPrice", line.UnitPrice)
		if err != nil {
			return domain.Cart{}, err
		}
		total, err := parseDecimal("lineTotal", line.LineTotal)
		if err != nil {
			return domain.Cart{}, err
		}
		tax, err := parseDecimal("taxOnLine", line.TaxOnLine)
		if err != nil {
			return domain.Cart{}, err
		}
		withTax, err := parseDecimal("priceWithTax", line.PriceWithTax)
		if err != nil {
			return domain.Cart{}, err
		}
		status := domain.LineStatus(line.Status)
		if status == "" {
			status = domain.LineStatusActive
		}
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			Size:         line.Size,
			Color:        line.Color,
			UnitPrice:    unit,
			LineTotal:    total,
			TaxOnLine:    tax,
			PriceWithTax: withTax,
			Status:       status,
			AddedAt:      line.AddedAt.UTC(),
		})
	}
	return cart, nil
}
