package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	done        bool
	saved       Saved
	expires     time.Time
}

// MemoryStore keeps claims in process memory. It backs single-instance deployments without Redis.
type MemoryStore struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryStore returns a store that forgets keys once window elapses.
func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		window:  windowOrDefault(window),
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key Key, fingerprint string) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := key.id()
	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expires) {
		s.sweep(now)
		s.entries[id] = memoryEntry{fingerprint: fingerprint, expires: now.Add(s.window)}
		return Claim{State: ClaimAcquired}, nil
	}
	if entry.fingerprint != fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}
	if entry.done {
		return Claim{State: ClaimReplay, Saved: cloneSaved(entry.saved)}, nil
	}
	return Claim{State: ClaimBusy}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key Key, fingerprint string, saved Saved) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.id()
	if entry, ok := s.entries[id]; ok && entry.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[id] = memoryEntry{
		fingerprint: fingerprint,
		done:        true,
		saved:       cloneSaved(saved),
		expires:     s.now().Add(s.window),
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key Key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key.id()
	if entry, ok := s.entries[id]; ok && !entry.done && entry.fingerprint == fingerprint {
		delete(s.entries, id)
	}
	return nil
}

// sweep drops expired entries. Callers hold mu.
func (s *MemoryStore) sweep(now time.Time) {
	for id, entry := range s.entries {
		if !now.Before(entry.expires) {
			delete(s.entries, id)
		}
	}
}

func cloneSaved(saved Saved) Saved {
	if saved.Body != nil {
		saved.Body = append([]byte(nil), saved.Body...)
	}
	return saved
}
