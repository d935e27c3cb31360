package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultWindow is how long a claimed key keeps replaying its response.
const DefaultWindow = 24 * time.Hour

// ErrFingerprintMismatch is returned when a key is presented again with a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Key names one client attempt. Tokens only collide within the same owner and route.
type Key struct {
	Owner string
	Route string
	Token string
}

func (k Key) id() string {
	sum := sha256.Sum256([]byte(k.Owner + "\x00" + k.Route + "\x00" + k.Token))
	return hex.EncodeToString(sum[:])
}

// ClaimState is the outcome of claiming a key.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must Complete or Abandon it.
	ClaimAcquired ClaimState = iota
	// ClaimReplay means an earlier attempt finished and its response is attached.
	ClaimReplay
	// ClaimBusy means an earlier attempt with the same key is still running.
	ClaimBusy
)

// Claim is returned by Store.Claim. Saved is only set for ClaimReplay.
type Claim struct {
	State ClaimState
	Saved Saved
}

// Saved is the part of a handler response worth replaying.
type Saved struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Location    string `json:"location,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Store keeps claimed keys for the window it was built with.
//
// Claim must be atomic per key. Complete replaces a claim with the response to replay. Abandon
// drops an unfinished claim held under fingerprint so the client can retry; finished entries and
// claims held by another fingerprint are left alone.
type Store interface {
	Claim(ctx context.Context, key Key, fingerprint string) (Claim, error)
	Complete(ctx context.Context, key Key, fingerprint string, saved Saved) error
	Abandon(ctx context.Context, key Key, fingerprint string) error
}

func windowOrDefault(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}
	return window
}
