package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

var (
	// ErrSettingsInvalidInput signals out-of-range wholesale settings.
	ErrSettingsInvalidInput = errors.New("wholesale settings: invalid input")
	// ErrSettingsConflict indicates the stored version no longer matches the expected version.
	ErrSettingsConflict = errors.New("wholesale settings: version conflict")
)

// WholesaleSettingsServiceDeps wires the settings repository.
type WholesaleSettingsServiceDeps struct {
	Settings repositories.WholesaleSettingsRepository
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type wholesaleSettingsService struct {
	repo   repositories.WholesaleSettingsRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewWholesaleSettingsService constructs the settings service. It also satisfies
// WholesaleSettingsProvider for the pricing engine.
func NewWholesaleSettingsService(deps WholesaleSettingsServiceDeps) (WholesaleSettingsService, error) {
	if deps.Settings == nil {
		return nil, errors.New("wholesale settings service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &wholesaleSettingsService{
		repo:   deps.Settings,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Current returns the stored settings, or the defaults at version 0 when none were saved yet.
func (s *wholesaleSettingsService) Current(ctx context.Context) (WholesaleSettings, error) {
	settings, err := s.repo.Get(ctx)
	if err != nil {
		if isRepositoryNotFound(err) {
			return domain.DefaultWholesaleSettings(), nil
		}
		return WholesaleSettings{}, s.mapRepositoryError(err)
	}
	return settings, nil
}

func (s *wholesaleSettingsService) Update(ctx context.Context, cmd UpdateWholesaleSettingsCommand) (WholesaleSettings, error) {
	var problems violations
	checkPercent := func(field string, value decimal.Decimal) {
		if value.IsNegative() || value.GreaterThan(hundred) {
			problems.add(field, "must be between 0 and 100")
		}
	}
	checkPercent("discountPercent", cmd.DiscountPercent)
	checkPercent("taxPercent", cmd.TaxPercent)
	if cmd.ShippingCharge.IsNegative() {
		problems.add("shippingCharge", "must not be negative")
	}
	if cmd.ExpectedVersion < 0 {
		problems.add("version", "must not be negative")
	}
	if err := problems.err(ErrSettingsInvalidInput); err != nil {
		return WholesaleSettings{}, err
	}

	saved, err := s.repo.Save(ctx, WholesaleSettings{
		DiscountPercent: cmd.DiscountPercent,
		TaxPercent:      cmd.TaxPercent,
		ShippingCharge:  cmd.ShippingCharge,
		UpdatedAt:       s.clock(),
		UpdatedBy:       strings.TrimSpace(cmd.ActorID),
	}, cmd.ExpectedVersion)
	if err != nil {
		return WholesaleSettings{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "wholesale_settings.updated", map[string]any{
		"version":  saved.Version,
		"discount": saved.DiscountPercent.String(),
		"tax":      saved.TaxPercent.String(),
		"shipping": saved.ShippingCharge.String(),
		"actor":    saved.UpdatedBy,
	})
	return saved, nil
}

func (s *wholesaleSettingsService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrSettingsConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return err
}
