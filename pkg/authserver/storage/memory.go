// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ory/fosite"
)

// MemoryStorage implements Storage with in-memory maps.
// It is safe for concurrent use and suitable for single-replica deployments and tests.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]fosite.Client

	// consumed maps single-use token ID -> expiry of the replay record.
	consumed map[string]time.Time

	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(now func() time.Time) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.now = now
	}
}

// NewMemoryStorage creates a MemoryStorage and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clients:         make(map[string]fosite.Client),
		consumed:        make(map[string]time.Time),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired replay records.
func (s *MemoryStorage) cleanupExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, exp := range s.consumed {
		if !now.Before(exp) {
			delete(s.consumed, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("removed expired replay records", "count", removed)
	}
}

// Stats reports the number of stored items.
type Stats struct {
	Clients  int
	Consumed int
}

// Stats returns current item counts.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Clients:  len(s.clients),
		Consumed: len(s.consumed),
	}
}

// -----------------------
// ClientStore
// -----------------------

// RegisterClient adds or updates a client in the storage.
func (s *MemoryStorage) RegisterClient(_ context.Context, client fosite.Client) error {
	if client == nil || client.GetID() == "" {
		return errors.New("client with an ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.GetID()] = client
	return nil
}

// GetClient loads the client by its ID or returns an error if the client does not exist.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (fosite.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		slog.Debug("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	return client, nil
}

// -----------------------
// ReplayStore
// -----------------------

// Consume marks id as used until expiresAt.
func (s *MemoryStorage) Consume(_ context.Context, id string, expiresAt time.Time) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.consumed[id]; ok && s.now().Before(exp) {
		return ErrAlreadyConsumed
	}
	s.consumed[id] = expiresAt
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
