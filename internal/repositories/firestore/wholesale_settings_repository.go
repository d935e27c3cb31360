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

const (
	settingsCollection  = "settings"
	wholesaleSettingsID = "wholesale"
)

type wholesaleSettingsDocument struct {
	DiscountPercent string    `firestore:"discountPercent"`
	TaxPercent      string    `firestore:"taxPercent"`
	ShippingCharge  string    `firestore:"shippingCharge"`
	Version         int64     `firestore:"version"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
	UpdatedBy       string    `firestore:"updatedBy,omitempty"`
}

// WholesaleSettingsRepository keeps the single settings/wholesale document.
type WholesaleSettingsRepository struct {
	settings *pfirestore.Collection[domain.WholesaleSettings]
}

var _ repositories.WholesaleSettingsRepository = (*WholesaleSettingsRepository)(nil)

// NewWholesaleSettingsRepository constructs a Firestore-backed settings repository.
func NewWholesaleSettingsRepository(provider *pfirestore.Provider) (*WholesaleSettingsRepository, error) {
	if provider == nil {
		return nil, errors.New("wholesale settings repository requires firestore provider")
	}
	return &WholesaleSettingsRepository{
		settings: pfirestore.NewCollection(provider, settingsCollection, encodeWholesaleSettings, decodeWholesaleSettings),
	}, nil
}

// Get returns the stored settings or a not-found error before the first save.
func (r *WholesaleSettingsRepository) Get(ctx context.Context) (domain.WholesaleSettings, error) {
	return r.settings.Get(ctx, wholesaleSettingsID)
}

// Save writes settings when the stored version equals expectedVersion. A missing document counts
// as version 0.
func (r *WholesaleSettingsRepository) Save(ctx context.Context, settings domain.WholesaleSettings, expectedVersion int64) (domain.WholesaleSettings, error) {
	doc, err := r.settings.Doc(ctx, wholesaleSettingsID)
	if err != nil {
		return domain.WholesaleSettings{}, err
	}

	var saved domain.WholesaleSettings
	err = r.settings.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.settings.TxGet(tx, doc)
		if err != nil {
			return err
		}
		var currentVersion int64
		if found {
			currentVersion = current.Version
		}
		if currentVersion != expectedVersion {
			return pfirestore.ConflictError(r.settings.Name()+".save",
				fmt.Errorf("version %d does not match expected %d", currentVersion, expectedVersion))
		}
		next := settings
		next.Version = currentVersion + 1
		if err := r.settings.TxSet(tx, doc, next); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return domain.WholesaleSettings{}, err
	}
	return saved, nil
}

func encodeWholesaleSettings(settings domain.WholesaleSettings) (any, error) {
	return wholesaleSettingsDocument{
		DiscountPercent: settings.DiscountPercent.String(),
		TaxPercent:      settings.TaxPercent.String(),
		ShippingCharge:  settings.ShippingCharge.String(),
		Version:         settings.Version,
		UpdatedAt:       settings.UpdatedAt.UTC(),
		UpdatedBy:       settings.UpdatedBy,
	}, nil
}

func decodeWholesaleSettings(snap *firestore.DocumentSnapshot) (domain.WholesaleSettings, error) {
	var doc wholesaleSettingsDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.WholesaleSettings{}, err
	}
	settings := domain.WholesaleSettings{
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt.UTC(),
		UpdatedBy: doc.UpdatedBy,
	}
	var err error
	if settings.DiscountPercent, err = parseDecimal("discountPercent", doc.DiscountPercent); err != nil {
		return domain.WholesaleSettings{}, err
	}
	if settings.TaxPercent, err = parseDecimal("taxPercent", doc.TaxPercent); err != nil {
		return domain.WholesaleSettings{}, err
	}
	if settings.ShippingCharge, err = parseDecimal("shippingCharge", doc.ShippingCharge); err != nil {
		return domain.WholesaleSettings{}, err
	}
	return settings, nil
}
