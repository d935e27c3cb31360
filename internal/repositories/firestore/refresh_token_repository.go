package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

const refreshTokenCollection = "refreshTokens"

type refreshTokenDocument struct {
	TokenID    string     `firestore:"tokenId"`
	UserID     string     `firestore:"userId"`
	Email      string     `firestore:"email,omitempty"`
	Role       string     `firestore:"role,omitempty"`
	IssuedAt   time.Time  `firestore:"issuedAt"`
	ExpireAt   time.Time  `firestore:"expireAt"`
	RevokedAt  *time.Time `firestore:"revokedAt,omitempty"`
	ReplacedBy string     `firestore:"replacedBy,omitempty"`
}

// RefreshTokenRepository stores refresh tokens keyed by the SHA-256 hash of the raw token. The
// expireAt field drives the collection TTL policy.
type RefreshTokenRepository struct {
	tokens *pfirestore.Collection[domain.RefreshToken]
}

var _ repositories.RefreshTokenRepository = (*RefreshTokenRepository)(nil)

// NewRefreshTokenRepository constructs a Firestore-backed refresh token repository.
func NewRefreshTokenRepository(provider *pfirestore.Provider) (*RefreshTokenRepository, error) {
	if provider == nil {
		return nil, errors.New("refresh token repository requires firestore provider")
	}
	return &RefreshTokenRepository{
		tokens: pfirestore.NewCollection(provider, refreshTokenCollection, encodeRefreshToken, decodeRefreshToken),
	}, nil
}

// Insert stores a freshly issued token.
func (r *RefreshTokenRepository) Insert(ctx context.Context, token domain.RefreshToken) error {
	hash := strings.TrimSpace(token.TokenHash)
	if hash == "" {
		return errors.New("refresh token repository: token hash is required")
	}
	return r.tokens.Create(ctx, hash, token)
}

// FindByHash loads the token record for hash.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error) {
	hash := strings.TrimSpace(tokenHash)
	if hash == "" {
		return domain.RefreshToken{}, pfirestore.NotFoundError(r.tokens.Name()+".get", errors.New("token hash is required"))
	}
	return r.tokens.Get(ctx, hash)
}

// Rotate revokes the old token and creates next in one transaction.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldHash string, next domain.RefreshToken, now time.Time) error {
	oldHash = strings.TrimSpace(oldHash)
	if oldHash == "" || strings.TrimSpace(next.TokenHash) == "" {
		return errors.New("refresh token repository: token hashes are required")
	}
	oldDoc, err := r.tokens.Doc(ctx, oldHash)
	if err != nil {
		return err
	}
	nextDoc, err := r.tokens.Doc(ctx, next.TokenHash)
	if err != nil {
		return err
	}

	return r.tokens.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.tokens.TxGet(tx, oldDoc)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NotFoundError(r.tokens.Name()+".rotate", errors.New("token not found"))
		}
		if !current.Active(now) {
			return pfirestore.ConflictError(r.tokens.Name()+".rotate", fmt.Errorf("token %s is no longer active", current.ID))
		}
		revokedAt := now.UTC()
		current.RevokedAt = &revokedAt
		current.ReplacedBy = next.ID
		if err := r.tokens.TxSet(tx, oldDoc, current); err != nil {
			return err
		}
		return r.tokens.TxCreate(tx, nextDoc, next)
	})
}

// Revoke marks the token revoked. Revoking an already revoked token keeps the first timestamp.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenHash string, now time.Time) error {
	hash := strings.TrimSpace(tokenHash)
	if hash == "" {
		return pfirestore.NotFoundError(r.tokens.Name()+".revoke", errors.New("token hash is required"))
	}
	doc, err := r.tokens.Doc(ctx, hash)
	if err != nil {
		return err
	}
	return r.tokens.Provider().RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.tokens.TxGet(tx, doc)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NotFoundError(r.tokens.Name()+".revoke", errors.New("token not found"))
		}
		if current.RevokedAt != nil {
			return nil
		}
		revokedAt := now.UTC()
		current.RevokedAt = &revokedAt
		return r.tokens.TxSet(tx, doc, current)
	})
}

func encodeRefreshToken(token domain.RefreshToken) (any, error) {
	return refreshTokenDocument{
		TokenID:    token.ID,
		UserID:     token.UserID,
		Email:      token.Email,
		Role:       token.Role,
		IssuedAt:   token.IssuedAt.UTC(),
		ExpireAt:   token.ExpiresAt.UTC(),
		RevokedAt:  utcPtr(token.RevokedAt),
		ReplacedBy: token.ReplacedBy,
	}, nil
}

func decodeRefreshToken(snap *firestore.DocumentSnapshot) (domain.RefreshToken, error) {
	var doc refreshTokenDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.RefreshToken{}, err
	}
	return domain.RefreshToken{
		ID:         doc.TokenID,
		TokenHash:  snap.Ref.ID,
		UserID:     doc.UserID,
		Email:      doc.Email,
		Role:       doc.Role,
		IssuedAt:   doc.IssuedAt.UTC(),
		ExpiresAt:  doc.ExpireAt.UTC(),
		RevokedAt:  utcPtr(doc.RevokedAt),
		ReplacedBy: doc.ReplacedBy,
	}, nil
}
