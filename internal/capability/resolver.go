// Package capability resolves and caches console capabilities, and provides
// the authorization policies handlers compose.
package capability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/watchtower/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// CacheRecorder receives cache hit and miss events.
type CacheRecorder interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	recorder  CacheRecorder
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// ResolverOption configures optional Resolver dependencies.
type ResolverOption func(*Resolver)

// WithCacheRecorder reports cache hits and misses to rec.
func WithCacheRecorder(rec CacheRecorder) ResolverOption {
	return func(r *Resolver) { r.recorder = rec }
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// The key includes user type and roles so a changed token is never served a
// stale set.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + strconv.Itoa(int(rctx.UserType)) + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the full capability set for the given principal. Results
// are cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		if r.recorder != nil {
			r.recorder.RecordCapabilityCacheHit()
		}
		return entry.caps, nil
	}
	r.mu.RUnlock()

	if r.recorder != nil {
		r.recorder.RecordCapabilityCacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Reload re-reads the evaluator's policy source and drops every cached set.
// The cache is kept when the reload fails.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	return nil
}
