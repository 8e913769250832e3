package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/watchtower/model"
)

// ClaimState is the outcome of claiming an idempotency key.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must act, then
	// Complete or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimReplay means an earlier submission finished; Result holds its
	// outcome.
	ClaimReplay
	// ClaimPending means an earlier submission is still acting.
	ClaimPending
)

// pendingClaimTTL bounds how long a claim survives a process that died
// while acting.
const pendingClaimTTL = 5 * time.Minute

// Claim is what IdempotencyStore.Claim found.
type Claim struct {
	State  ClaimState
	Result *model.ActionResult
}

// IdempotencyStore guards a mutating action against the same form being
// submitted twice, such as a double click on "Delete". The first
// submission claims the key; a repeat either waits out the first one or
// replays its result.
type IdempotencyStore interface {
	// Claim reserves key for inputHash. A key held for different inputs
	// returns a conflict error.
	Claim(ctx context.Context, key, inputHash string, ttl time.Duration) (Claim, error)

	// Complete records the result of a claimed key.
	Complete(ctx context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error

	// Release drops a claim whose action failed, so the form can be
	// resubmitted.
	Release(ctx context.Context, key string) error
}

// idempotencyEntry is the stored value. A nil Result marks a claim whose
// action has not finished.
type idempotencyEntry struct {
	InputHash string              `json:"input_hash"`
	Result    *model.ActionResult `json:"result,omitempty"`
}

func (e idempotencyEntry) claim(key, inputHash string) (Claim, error) {
	if e.InputHash != inputHash {
		return Claim{}, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	if e.Result == nil {
		return Claim{State: ClaimPending}, nil
	}
	res := *e.Result
	return Claim{State: ClaimReplay, Result: &res}, nil
}

// MemoryIdempotencyStore keeps claims in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memEntry), now: time.Now}
}

// Claim implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Claim(_ context.Context, key, inputHash string, ttl time.Duration) (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.claim(key, inputHash)
	}
	s.entries[key] = memEntry{idempotencyEntry{InputHash: inputHash}, now.Add(ttl)}
	return Claim{State: ClaimAcquired}, nil
}

// Complete implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Complete(_ context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{idempotencyEntry{InputHash: inputHash, Result: &result}, s.now().Add(ttl)}
	return nil
}

// Release implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries and returns how many remain.
func (s *MemoryIdempotencyStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// RedisIdempotencyStore shares claims between console replicas. Claims are
// taken with SET NX so only one replica acts on a key.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a store over client.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Claim implements IdempotencyStore.
func (s *RedisIdempotencyStore) Claim(ctx context.Context, key, inputHash string, ttl time.Duration) (Claim, error) {
	pending, err := json.Marshal(idempotencyEntry{InputHash: inputHash})
	if err != nil {
		return Claim{}, fmt.Errorf("marshal idempotency claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, pending, ttl).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if ok {
		return Claim{State: ClaimAcquired}, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; the next submission will claim it.
		return Claim{State: ClaimPending}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e idempotencyEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Claim{}, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.claim(key, inputHash)
}

// Complete implements IdempotencyStore.
func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, inputHash string, result model.ActionResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Result: &result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release implements IdempotencyStore.
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

// FormatIdempotencyKey scopes a client key to the submitting user and the
// action, so one user can never replay another's result.
func FormatIdempotencyKey(subject, handler, key string) string {
	return "idem:" + subject + ":" + handler + ":" + key
}

// HashInputs returns a stable digest of validated inputs. encoding/json
// sorts map keys, so equal inputs hash equally.
func HashInputs(in model.Inputs) string {
	data, err := json.Marshal(in)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", in))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
