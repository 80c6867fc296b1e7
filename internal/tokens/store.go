// Package tokens persists the freshness tokens used to validate resumed transfers.
package tokens

import (
	"context"
	"sync"
	"time"
)

// Store keeps the last known freshness token per resource key.
type Store interface {
	// Get returns the token for key and whether one was stored.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set records token for key, replacing any previous value.
	Set(ctx context.Context, key, token string) error
	// Clear forgets key. Clearing an unknown key is not an error.
	Clear(ctx context.Context, key string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu sync.RWMutex
	m  map[string]record
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]record)}
}

func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[key]
	return r.Token, ok, nil
}

func (s *Memory) Set(_ context.Context, key, token string) error {
	s.mu.Lock()
	s.m[key] = record{Token: token, UpdatedAt: time.Now().UnixMilli()}
	s.mu.Unlock()
	return nil
}

func (s *Memory) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}
