package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces claims in a shared Redis.
const DefaultKeyPrefix = "idempotency:"

// Each claim is a hash with fp (fingerprint), done ("0" or "1") and saved (JSON response).
var (
	claimScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'done', '0')
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return false
end
return redis.call('HMGET', KEYS[1], 'fp', 'done', 'saved')
`)

	completeScript = goredis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fp')
if fp and fp ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'done', '1', 'saved', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	abandonScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'done') == '0' and redis.call('HGET', KEYS[1], 'fp') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisOption customises the RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// RedisStore shares claims between API instances. Entries expire through Redis TTLs.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisStore constructs a Redis-backed store that keeps keys for window.
func NewRedisStore(client goredis.UniversalClient, window time.Duration, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	store := &RedisStore{client: client, prefix: DefaultKeyPrefix, window: windowOrDefault(window)}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *RedisStore) Claim(ctx context.Context, key Key, fingerprint string) (Claim, error) {
	fields, err := claimScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint, s.window.Milliseconds()).Slice()
	if errors.Is(err, goredis.Nil) {
		return Claim{State: ClaimAcquired}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("idempotency: claim: %w", err)
	}
	if len(fields) != 3 {
		return Claim{}, fmt.Errorf("idempotency: claim: unexpected reply of %d fields", len(fields))
	}

	storedFingerprint, _ := fields[0].(string)
	if storedFingerprint != fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}
	if done, _ := fields[1].(string); done != "1" {
		return Claim{State: ClaimBusy}, nil
	}
	raw, _ := fields[2].(string)
	var saved Saved
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		return Claim{}, fmt.Errorf("idempotency: decode saved response: %w", err)
	}
	return Claim{State: ClaimReplay, Saved: saved}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key Key, fingerprint string, saved Saved) error {
	payload, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("idempotency: encode saved response: %w", err)
	}
	stored, err := completeScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint, payload, s.window.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if stored == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key Key, fingerprint string) error {
	if err := abandonScript.Run(ctx, s.client, []string{s.redisKey(key)}, fingerprint).Err(); err != nil {
		return fmt.Errorf("idempotency: abandon: %w", err)
	}
	return nil
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.id()
}
