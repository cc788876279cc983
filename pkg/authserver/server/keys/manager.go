// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
)

// ErrNoSigningKey is returned when no key in the current snapshot can sign with the requested algorithm.
var ErrNoSigningKey = errors.New("no signing key available for algorithm")

type snapshot struct {
	keys []*SigningKey
	byID map[string]*SigningKey
}

// Manager holds the ordered signing credentials of the server.
// Lookups read an immutable snapshot; Rotate publishes a new one atomically.
type Manager struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for rotation events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager validates keys and returns a manager holding them in the given order.
func NewManager(keys []*SigningKey, opts ...Option) (*Manager, error) {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	snap, err := newSnapshot(keys)
	if err != nil {
		return nil, err
	}
	m.current.Store(snap)
	return m, nil
}

// NewManagerFromProviders builds a manager from the keys of each provider, in order.
func NewManagerFromProviders(ctx context.Context, providers []Provider, opts ...Option) (*Manager, error) {
	keys, err := collect(ctx, providers)
	if err != nil {
		return nil, err
	}
	return NewManager(keys, opts...)
}

func newSnapshot(keys []*SigningKey) (*snapshot, error) {
	snap := &snapshot{
		keys: make([]*SigningKey, 0, len(keys)),
		byID: make(map[string]*SigningKey, len(keys)),
	}
	for i, k := range keys {
		nk, err := normalize(k)
		if err != nil {
			return nil, fmt.Errorf("invalid key at position %d: %w", i, err)
		}
		if _, dup := snap.byID[nk.KeyID]; dup {
			return nil, fmt.Errorf("duplicate key ID %q", nk.KeyID)
		}
		snap.keys = append(snap.keys, nk)
		snap.byID[nk.KeyID] = nk
	}
	return snap, nil
}

// normalize copies k, fills derivable fields and validates the algorithm against the key material.
func normalize(k *SigningKey) (*SigningKey, error) {
	if k == nil || k.Key == nil {
		return nil, errors.New("key material is required")
	}
	out := *k
	if secret, ok := k.Key.([]byte); ok {
		out.Key = slices.Clone(secret)
	}
	if out.Use == "" {
		out.Use = UseSignature
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}

	params, err := servercrypto.DeriveSigningKeyParams(out.Key, out.KeyID, out.Algorithm)
	if err != nil {
		return nil, err
	}
	out.KeyID = params.KeyID
	out.Algorithm = params.Algorithm
	return &out, nil
}

// Rotate atomically replaces the key set. Concurrent readers observe either the
// old set or the new one. An invalid set leaves the current one in place.
func (m *Manager) Rotate(keys []*SigningKey) error {
	snap, err := newSnapshot(keys)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current.Swap(snap)
	m.logger.Info("signing keys rotated",
		"previous_count", len(prev.keys),
		"count", len(snap.keys),
		"key_ids", keyIDs(snap.keys),
	)
	return nil
}

// Reload rotates to the keys currently served by providers.
func (m *Manager) Reload(ctx context.Context, providers ...Provider) error {
	keys, err := collect(ctx, providers)
	if err != nil {
		return err
	}
	return m.Rotate(keys)
}

func collect(ctx context.Context, providers []Provider) ([]*SigningKey, error) {
	var keys []*SigningKey
	for _, p := range providers {
		pk, err := p.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load keys: %w", err)
		}
		keys = append(keys, pk...)
	}
	return keys, nil
}

// Keys returns the current keys in order. The slice is a copy; the keys must not be modified.
func (m *Manager) Keys() []*SigningKey {
	return slices.Clone(m.current.Load().keys)
}

// SigningKeyFor returns the first key, in configured order, that can sign with alg.
func (m *Manager) SigningKeyFor(alg string) (*SigningKey, error) {
	for _, k := range m.current.Load().keys {
		if SupportsAlgorithm(k, alg) {
			return k, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSigningKey, alg)
}

// VerificationKey returns the key registered under kid.
func (m *Manager) VerificationKey(kid string) (*SigningKey, bool) {
	k, ok := m.current.Load().byID[kid]
	return k, ok
}

// Algorithms returns the distinct algorithms the current keys can sign with, in key order.
func (m *Manager) Algorithms() []string {
	var algs []string
	for _, k := range m.current.Load().keys {
		if SupportsAlgorithm(k, k.Algorithm) && !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}

// PublishableKeys returns the public halves of all asymmetric keys, in order.
// Symmetric keys are never included and no private material is ever returned.
func (m *Manager) PublishableKeys() []jose.JSONWebKey {
	snap := m.current.Load()
	out := make([]jose.JSONWebKey, 0, len(snap.keys))
	for _, k := range snap.keys {
		pub, ok := k.Public()
		if !ok {
			continue
		}
		out = append(out, jose.JSONWebKey{
			Key:       pub,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       k.Use,
		})
	}
	return out
}

func keyIDs(keys []*SigningKey) []string {
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.KeyID
	}
	return ids
}
