package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/watchtower/model"
)

// DefaultFlashTTL bounds how long an unread flash message is kept.
const DefaultFlashTTL = 5 * time.Minute

// MemoryFlashStore keeps flash messages in process.
type MemoryFlashStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]flashEntry
	now     func() time.Time
}

type flashEntry struct {
	msg       model.FlashMessage
	expiresAt time.Time
}

// NewMemoryFlashStore creates an in-process flash store.
func NewMemoryFlashStore(ttl time.Duration) *MemoryFlashStore {
	if ttl <= 0 {
		ttl = DefaultFlashTTL
	}
	return &MemoryFlashStore{ttl: ttl, entries: make(map[string]flashEntry), now: time.Now}
}

// Put replaces the pending message of the session. Expired messages of
// sessions that never came back are dropped on the way.
func (s *MemoryFlashStore) Put(_ context.Context, sessionID string, msg model.FlashMessage) error {
	if sessionID == "" {
		return errors.New("session: flash without session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
	s.entries[sessionID] = flashEntry{msg: msg, expiresAt: now.Add(s.ttl)}
	return nil
}

// Pop returns and removes the pending message, or nil.
func (s *MemoryFlashStore) Pop(_ context.Context, sessionID string) (*model.FlashMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return nil, nil
	}
	delete(s.entries, sessionID)
	if s.now().After(e.expiresAt) {
		return nil, nil
	}
	msg := e.msg
	return &msg, nil
}

// HealthCheck always succeeds.
func (s *MemoryFlashStore) HealthCheck(context.Context) error { return nil }

// RedisFlashStore keeps flash messages in Redis so any instance can show
// the message after a redirect.
type RedisFlashStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisFlashStore creates a Redis-backed flash store.
func NewRedisFlashStore(client redis.Cmdable, ttl time.Duration) *RedisFlashStore {
	if ttl <= 0 {
		ttl = DefaultFlashTTL
	}
	return &RedisFlashStore{client: client, ttl: ttl}
}

func flashKey(sessionID string) string {
	return "flash:" + sessionID
}

// Put replaces the pending message of the session.
func (s *RedisFlashStore) Put(ctx context.Context, sessionID string, msg model.FlashMessage) error {
	if sessionID == "" {
		return errors.New("session: flash without session")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal flash: %w", err)
	}
	if err := s.client.Set(ctx, flashKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set flash: %w", err)
	}
	return nil
}

// Pop atomically reads and deletes the pending message.
func (s *RedisFlashStore) Pop(ctx context.Context, sessionID string) (*model.FlashMessage, error) {
	raw, err := s.client.GetDel(ctx, flashKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis getdel flash: %w", err)
	}
	var msg model.FlashMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal flash: %w", err)
	}
	return &msg, nil
}

// HealthCheck pings Redis.
func (s *RedisFlashStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
