package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/api/internal/domain"
	"github.com/storefront/api/internal/repositories"
)

const guestSessionPrefix = "gst_"

// ErrGuestSessionInvalid indicates a malformed guest session id or merge target.
var ErrGuestSessionInvalid = errors.New("guest session: invalid input")

// GuestSessionServiceDeps wires the guest session bridge.
type GuestSessionServiceDeps struct {
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(context.Context, string, map[string]any)
}

type guestSessionService struct {
	carts   repositories.CartRepository
	catalog catalog
	clock   func() time.Time
	newID   func() string
	merges  metric.Int64Counter
	logger  func(context.Context, string, map[string]any)
}

// NewGuestSessionService constructs the guest session bridge.
func NewGuestSessionService(deps GuestSessionServiceDeps) (GuestSessionService, error) {
	if deps.Carts == nil {
		return nil, errors.New("guest session service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("guest session service: product repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/storefront/api/internal/services")
	}
	merges, err := meter.Int64Counter("cart.guest_merges", metric.WithDescription("Guest cart merge attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("guest session service: register metric: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &guestSessionService{
		carts:   deps.Carts,
		catalog: catalog{products: deps.Products},
		clock:   func() time.Time { return clock().UTC() },
		newID:   newID,
		merges:  merges,
		logger:  logger,
	}, nil
}

// NewSession issues an opaque session id. The cart itself is created lazily on first write.
func (s *guestSessionService) NewSession(context.Context) (GuestSession, error) {
	return GuestSession{
		SessionID: guestSessionPrefix + strings.ToLower(s.newID()),
		ExpiresAt: s.clock().Add(domain.GuestCartTTL),
	}, nil
}

// MergeIntoUser folds the guest cart into the user's cart and deletes the guest cart in the same
// atomic step. Merging a session that no longer has a cart reports Merged=false.
func (s *guestSessionService) MergeIntoUser(ctx context.Context, cmd MergeGuestCartCommand) (MergeResult, error) {
	source := domain.GuestOwner(cmd.SessionID)
	target := domain.UserOwner(cmd.UserID)
	if !source.Valid() {
		return MergeResult{}, fmt.Errorf("%w: session id is required", ErrGuestSessionInvalid)
	}
	if !target.Valid() {
		return MergeResult{}, fmt.Errorf("%w: user id is required", ErrGuestSessionInvalid)
	}

	guest, err := s.carts.FindByOwner(ctx, source)
	if err != nil {
		if isRepositoryNotFound(err) {
			s.record(ctx, "absent")
			return MergeResult{}, nil
		}
		return MergeResult{}, mapCartRepositoryError(err)
	}

	audit := auditProducts(ctx, s.catalog, guest.Lines, defaultSanitizeConcurrency, func(productID string, err error) {
		s.logger(ctx, "guest_cart.merge.lookup.failed", map[string]any{
			"session": cmd.SessionID,
			"product": productID,
			"error":   err.Error(),
		})
	})
	valid := 0
	for _, line := range guest.Lines {
		if !audit.isMissing(line.ProductID) {
			valid++
		}
	}
	if valid == 0 {
		if err := s.carts.Delete(ctx, source); err != nil && !isRepositoryNotFound(err) {
			return MergeResult{}, mapCartRepositoryError(err)
		}
		s.record(ctx, "empty")
		return MergeResult{DroppedLines: len(guest.Lines)}, nil
	}

	result := MergeResult{Merged: true}
	merged, err := s.carts.Merge(ctx, source, target, newCartSeed(target, s.clock), func(src Cart, dst *Cart) error {
		result.MergedLines, result.DroppedLines = 0, 0
		for _, line := range src.Lines {
			if audit.isMissing(line.ProductID) {
				result.DroppedLines++
				continue
			}
			mergeGuestLine(dst, line)
			result.MergedLines++
		}
		dst.UpdatedAt = s.clock()
		return nil
	})
	if err != nil {
		if isRepositoryNotFound(err) {
			// Another request merged and deleted the guest cart first.
			s.record(ctx, "absent")
			return MergeResult{}, nil
		}
		return MergeResult{}, mapCartRepositoryError(err)
	}
	result.Cart = merged

	s.record(ctx, "merged")
	s.logger(ctx, "guest_cart.merged", map[string]any{
		"session": cmd.SessionID,
		"user":    cmd.UserID,
		"merged":  result.MergedLines,
		"dropped": result.DroppedLines,
	})
	return result, nil
}

func (s *guestSessionService) record(ctx context.Context, outcome string) {
	s.merges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// mergeGuestLine sums quantities into a matching variant and takes the guest unit price, or
// appends the guest line.
func mergeGuestLine(dst *Cart, line CartLine) {
	if idx := dst.FindLine(line.ProductID, line.Size, line.Color); idx >= 0 {
		existing := &dst.Lines[idx]
		existing.SetUnitPrice(line.UnitPrice)
		existing.SetQuantity(existing.Quantity + line.Quantity)
		return
	}
	line.SetQuantity(line.Quantity)
	dst.Lines = append(dst.Lines, line)
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
