package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tabula/model"
)

// DefaultIdempotencyTTL is how long a stored invocation result is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// ReservationTTL bounds how long a key stays claimed by an invocation that
// never stores a result or releases it.
const ReservationTTL = time.Minute

// maxReserveAttempts bounds the SETNX/GET loop when a competing entry
// expires between the two calls.
const maxReserveAttempts = 3

// IdempotencyStore deduplicates invocations carrying an idempotency key.
// Keys are built with FormatIdempotencyKey.
type IdempotencyStore interface {
	// Reserve atomically claims key for an invocation with inputHash. It
	// returns (nil, nil) once the caller holds the claim and must Store or
	// Release it. A key that already completed with the same input yields the
	// stored result. A key used with different input, or still claimed by an
	// invocation in flight, yields a CONFLICT error.
	Reserve(ctx context.Context, key string, inputHash string) (*model.InvocationResponse, error)

	// Store saves an invocation result under key with a TTL, settling the
	// claim.
	Store(ctx context.Context, key string, inputHash string, result model.InvocationResponse, ttl time.Duration) error

	// Release drops an unsettled claim so the key can be retried.
	Release(ctx context.Context, key string) error
}

type idempotencyEntry struct {
	InputHash string                   `json:"input_hash"`
	Pending   bool                     `json:"pending,omitempty"`
	Result    model.InvocationResponse `json:"result"`
}

// settled reports what a competing Reserve sees for an existing entry.
func (e idempotencyEntry) settled(key, inputHash string) (*model.InvocationResponse, error) {
	if e.InputHash != inputHash {
		return nil, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	if e.Pending {
		return nil, model.NewConflictError(fmt.Sprintf("idempotency key %q is already in flight", key))
	}
	result := e.Result
	return &result, nil
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	clock   clock.Clock
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore(clk clock.Clock) *MemoryIdempotencyStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		clock:   clk,
	}
}

// Reserve claims key under the store lock. Expired entries are replaced.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, inputHash string) (*model.InvocationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if entry, ok := s.entries[key]; ok && !now.After(entry.expiresAt) {
		return entry.data.settled(key, inputHash)
	}
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ReservationTTL),
	}
	return nil, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key string, inputHash string, result model.InvocationResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Result: result},
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Release removes key if it is still only claimed.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error {
	return nil
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Claims are taken
// with SETNX; expiry is left to Redis key TTLs.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Reserve claims key with SETNX, falling back to the existing entry when the
// key is taken.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, inputHash string) (*model.InvocationResponse, error) {
	claim, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency claim: %w", err)
	}

	for range maxReserveAttempts {
		ok, err := s.client.SetNX(ctx, key, claim, ReservationTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}

		var entry idempotencyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return entry.settled(key, inputHash)
	}
	return nil, fmt.Errorf("idempotency key %q: no stable entry after %d attempts", key, maxReserveAttempts)
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key string, inputHash string, result model.InvocationResponse, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes the claim on key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the storage key of a client-supplied key. Keys
// are scoped to the subject and the invoked operation.
func FormatIdempotencyKey(subjectID, tableID, operation, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s:%s", subjectID, tableID, operation, key)
}

// hashInput produces a deterministic hash of the parts of an invocation that
// must match for a replay.
func hashInput(record string, req model.InvocationRequest) string {
	data, _ := json.Marshal(struct {
		Record  string                  `json:"record"`
		Request model.InvocationRequest `json:"request"`
	}{record, req})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
