// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T) Storage
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Storage {
			t.Helper()
			s := NewMemoryStorage()
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) Storage {
			t.Helper()
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStorageWithClient(client, "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func testClient() *fosite.DefaultClient {
	return &fosite.DefaultClient{
		ID:            "myClient",
		Secret:        []byte("$2a$10$hashed"),
		RedirectURIs:  []string{"https://app/cb"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scopes:        []string{"openid", "offline_access"},
	}
}

func requireNotFoundError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, fosite.ErrNotFound)
}

func TestStorage_Clients(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.open(t)

			_, err := s.GetClient(ctx, "myClient")
			requireNotFoundError(t, err)

			require.NoError(t, s.RegisterClient(ctx, testClient()))
			got, err := s.GetClient(ctx, "myClient")
			require.NoError(t, err)
			assert.Equal(t, "myClient", got.GetID())
			assert.Equal(t, []byte("$2a$10$hashed"), got.GetHashedSecret())
			assert.Equal(t, []string{"https://app/cb"}, got.GetRedirectURIs())
			assert.Equal(t, fosite.Arguments{"openid", "offline_access"}, got.GetScopes())
			assert.False(t, got.IsPublic())

			require.Error(t, s.RegisterClient(ctx, &fosite.DefaultClient{}))
			require.NoError(t, s.Health(ctx))
		})
	}
}

func TestStorage_Consume(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.open(t)
			exp := time.Now().Add(5 * time.Minute)

			require.NoError(t, s.Consume(ctx, "code-1", exp))
			require.ErrorIs(t, s.Consume(ctx, "code-1", exp), ErrAlreadyConsumed)
			require.NoError(t, s.Consume(ctx, "code-2", exp))
			require.Error(t, s.Consume(ctx, "", exp))
		})
	}
}

func TestStorage_ConsumeIsExclusive(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.open(t)
			exp := time.Now().Add(time.Minute)

			var wins, losses atomic.Int32
			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Consume(ctx, "shared-code", exp)
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrAlreadyConsumed):
						losses.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), wins.Load())
			assert.Equal(t, int32(49), losses.Load())
		})
	}
}

func TestMemoryStorage_ConsumeExpiry(t *testing.T) {
	t.Parallel()

	var now atomic.Int64
	now.Store(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).Unix())
	clock := func() time.Time { return time.Unix(now.Load(), 0) }

	s := NewMemoryStorage(WithClock(clock), WithCleanupInterval(time.Hour))
	defer s.Close()

	ctx := context.Background()
	exp := clock().Add(5 * time.Minute)
	require.NoError(t, s.Consume(ctx, "code", exp))
	assert.Equal(t, 1, s.Stats().Consumed)

	now.Add(int64(10 * time.Minute / time.Second))
	s.cleanupExpired()
	assert.Equal(t, 0, s.Stats().Consumed)
}

func TestNewMemoryStorage_WithCleanupInterval(t *testing.T) {
	t.Parallel()
	customInterval := 1 * time.Minute
	storage := NewMemoryStorage(WithCleanupInterval(customInterval))
	defer storage.Close()
	assert.Equal(t, customInterval, storage.cleanupInterval)
}

func TestMemoryStorage_CleanupLoop(t *testing.T) {
	t.Parallel()

	t.Run("cleanup runs periodically", func(t *testing.T) {
		t.Parallel()
		storage := NewMemoryStorage(WithCleanupInterval(20 * time.Millisecond))
		defer storage.Close()

		storage.mu.Lock()
		storage.consumed["stale"] = time.Now().Add(-time.Minute)
		storage.mu.Unlock()

		assert.Eventually(t, func() bool { return storage.Stats().Consumed == 0 },
			time.Second, 10*time.Millisecond)
	})

	t.Run("close stops cleanup goroutine and is idempotent", func(t *testing.T) {
		t.Parallel()
		storage := NewMemoryStorage(WithCleanupInterval(10 * time.Millisecond))

		done := make(chan struct{})
		go func() {
			_ = storage.Close()
			_ = storage.Close()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.Fatal("Close did not return in time")
		}
	})
}

func TestMemoryStorage_ConcurrentClientAccess(t *testing.T) {
	t.Parallel()

	s := NewMemoryStorage()
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 50
	for i := range numGoroutines {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			_ = s.RegisterClient(ctx, &fosite.DefaultClient{ID: fmt.Sprintf("client-%d", idx)})
		}(i)
		go func(idx int) {
			defer wg.Done()
			_, _ = s.GetClient(ctx, fmt.Sprintf("client-%d", idx))
		}(i)
	}
	wg.Wait()

	for i := range numGoroutines {
		client, err := s.GetClient(ctx, fmt.Sprintf("client-%d", i))
		require.NoError(t, err, "client-%d should exist", i)
		assert.Equal(t, fmt.Sprintf("client-%d", i), client.GetID())
	}
}
