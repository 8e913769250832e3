// Package prefs stores per-user display preferences: list sort order,
// filters and similar sticky UI state. Nothing here is authoritative.
package prefs

import (
	"context"
	"sync"
)

// Common preference keys.
const (
	KeySort      = "sort"
	KeySortOrder = "sortorder"
	KeyFilter    = "filter"
)

// Key builds a preference key scoped to a page, such as
// "dashboard.list.sort".
func Key(page, name string) string {
	return page + "." + name
}

// MemoryStore keeps preferences in process.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]map[string]string
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]map[string]string)}
}

// Get implements model.PreferenceStore.
func (s *MemoryStore) Get(_ context.Context, userID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.users[userID][key]
	return v, ok, nil
}

// Set implements model.PreferenceStore.
func (s *MemoryStore) Set(_ context.Context, userID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] == nil {
		s.users[userID] = make(map[string]string)
	}
	s.users[userID][key] = value
	return nil
}

// Delete implements model.PreferenceStore.
func (s *MemoryStore) Delete(_ context.Context, userID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users[userID], key)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
