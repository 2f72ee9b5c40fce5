package session

import (
	"context"
	"sync"
	"time"
)

// Keys for the two SAML-specific session values
const (
	KeyRequestID     = "samlauth.request_id"
	KeyAuthenticated = "samlauth.authenticated"
)

// Store is per-browser-session key-value storage. It replaces direct
// session-superglobal access so the flow logic can be tested without a
// real session layer.
type Store interface {
	Get(ctx context.Context, sessionID, key string) (string, bool, error)
	Set(ctx context.Context, sessionID, key, value string) error
	Delete(ctx context.Context, sessionID, key string) error

	// Take reads and clears a value in one step. Concurrent calls for the
	// same session and key yield the value to at most one caller.
	Take(ctx context.Context, sessionID, key string) (string, bool, error)
}

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// MemoryStore is an in-process Store for tests and single-node deployments
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]memoryEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[sessionID][key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, sessionID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.values[sessionID] == nil {
		s.values[sessionID] = make(map[string]memoryEntry)
	}
	s.values[sessionID][key] = memoryEntry{value: value, updatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values[sessionID], key)
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, sessionID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[sessionID][key]
	if !ok {
		return "", false, nil
	}
	delete(s.values[sessionID], key)
	return entry.value, true, nil
}

// PurgeOlderThan drops values last written before the cutoff
func (s *MemoryStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for sessionID, keys := range s.values {
		for key, entry := range keys {
			if entry.updatedAt.Before(cutoff) {
				delete(keys, key)
				purged++
			}
		}
		if len(keys) == 0 {
			delete(s.values, sessionID)
		}
	}
	return purged, nil
}
