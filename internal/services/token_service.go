package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/storefront/api/internal/repositories"
)

const (
	refreshTokenPrefix     = "rt_"
	refreshTokenSecretSize = 32
	defaultRefreshTokenTTL = 30 * 24 * time.Hour
)

var (
	// ErrTokenInvalidInput signals a missing token or subject.
	ErrTokenInvalidInput = errors.New("token: invalid input")
	// ErrTokenInvalid indicates an unknown, expired or revoked refresh token.
	ErrTokenInvalid = errors.New("token: invalid refresh token")
)

// AccessTokenIssuerFunc adapts a function to AccessTokenIssuer.
type AccessTokenIssuerFunc func(subject TokenSubject) (string, time.Time, error)

// Issue implements AccessTokenIssuer.
func (f AccessTokenIssuerFunc) Issue(subject TokenSubject) (string, time.Time, error) {
	return f(subject)
}

// TokenServiceDeps wires the refresh-token store and the access-token signer.
type TokenServiceDeps struct {
	Tokens      repositories.RefreshTokenRepository
	Access      AccessTokenIssuer
	RefreshTTL  time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Random      io.Reader
	Logger      func(context.Context, string, map[string]any)
}

type tokenService struct {
	tokens     repositories.RefreshTokenRepository
	access     AccessTokenIssuer
	refreshTTL time.Duration
	clock      func() time.Time
	newID      func() string
	random     io.Reader
	logger     func(context.Context, string, map[string]any)
}

// NewTokenService constructs a TokenService.
func NewTokenService(deps TokenServiceDeps) (TokenService, error) {
	if deps.Tokens == nil {
		return nil, errors.New("token service: refresh token repository is required")
	}
	if deps.Access == nil {
		return nil, errors.New("token service: access token issuer is required")
	}
	ttl := deps.RefreshTTL
	if ttl <= 0 {
		ttl = defaultRefreshTokenTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	random := deps.Random
	if random == nil {
		random = rand.Reader
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &tokenService{
		tokens:     deps.Tokens,
		access:     deps.Access,
		refreshTTL: ttl,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		random:     random,
		logger:     logger,
	}, nil
}

func (s *tokenService) Issue(ctx context.Context, subject TokenSubject) (TokenPair, error) {
	subject.UserID = strings.TrimSpace(subject.UserID)
	if subject.UserID == "" {
		return TokenPair{}, fmt.Errorf("%w: user id is required", ErrTokenInvalidInput)
	}
	pair, record, err := s.mint(subject)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.Insert(ctx, record); err != nil {
		return TokenPair{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "token.issued", map[string]any{"user": subject.UserID, "token": record.ID})
	return pair, nil
}

// Refresh exchanges an active refresh token for a new pair. The presented token is revoked in the
// same write, so each refresh token can be used once.
func (s *tokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: refresh token is required", ErrTokenInvalidInput)
	}
	oldHash := hashRefreshToken(refreshToken)
	current, err := s.tokens.FindByHash(ctx, oldHash)
	if err != nil {
		if isRepositoryNotFound(err) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, s.mapRepositoryError(err)
	}

	now := s.clock()
	if !current.Active(now) {
		if current.RevokedAt != nil && current.ReplacedBy != "" {
			s.logger(ctx, "token.refresh.reuse", map[string]any{"user": current.UserID, "token": current.ID})
		}
		return TokenPair{}, ErrTokenInvalid
	}

	pair, next, err := s.mint(TokenSubject{UserID: current.UserID, Email: current.Email, Role: current.Role})
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.Rotate(ctx, oldHash, next, now); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && (repoErr.IsConflict() || repoErr.IsNotFound()) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "token.rotated", map[string]any{"user": current.UserID, "from": current.ID, "to": next.ID})
	return pair, nil
}

// Revoke invalidates a refresh token. Unknown tokens are ignored so logout is idempotent.
func (s *tokenService) Revoke(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return fmt.Errorf("%w: refresh token is required", ErrTokenInvalidInput)
	}
	if err := s.tokens.Revoke(ctx, hashRefreshToken(refreshToken), s.clock()); err != nil {
		if isRepositoryNotFound(err) {
			return nil
		}
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *tokenService) mint(subject TokenSubject) (TokenPair, RefreshToken, error) {
	access, accessExpiry, err := s.access.Issue(subject)
	if err != nil {
		return TokenPair{}, RefreshToken{}, fmt.Errorf("token: issue access token: %w", err)
	}
	secret := make([]byte, refreshTokenSecretSize)
	if _, err := io.ReadFull(s.random, secret); err != nil {
		return TokenPair{}, RefreshToken{}, fmt.Errorf("token: generate refresh secret: %w", err)
	}

	id := refreshTokenPrefix + strings.ToLower(s.newID())
	raw := id + "." + base64.RawURLEncoding.EncodeToString(secret)
	now := s.clock()
	record := RefreshToken{
		ID:        id,
		TokenHash: hashRefreshToken(raw),
		UserID:    subject.UserID,
		Email:     subject.Email,
		Role:      subject.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExpiry,
		RefreshToken:     raw,
		RefreshExpiresAt: record.ExpiresAt,
	}, record, nil
}

func (s *tokenService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return err
}

func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
