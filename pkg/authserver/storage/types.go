// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the host-side stores the authorization server
// consults when no notification handler decides a step: the client registry
// used by the built-in client lookup, and the replay store that makes
// authorization codes single-use.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go ClientStore,ReplayStore

import (
	"context"
	"errors"
	"time"

	"github.com/ory/fosite"
)

var (
	// ErrNotFound is returned when a stored item does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyConsumed is returned by Consume when the identifier was consumed before.
	ErrAlreadyConsumed = errors.New("already consumed")
)

// ClientStore resolves registered OAuth clients.
type ClientStore interface {
	// GetClient returns the client registered under id, or an error wrapping
	// ErrNotFound.
	GetClient(ctx context.Context, id string) (fosite.Client, error)

	// RegisterClient adds or replaces a client.
	RegisterClient(ctx context.Context, client fosite.Client) error
}

// ReplayStore records single-use token identifiers.
type ReplayStore interface {
	// Consume marks id as used until expiresAt. It returns ErrAlreadyConsumed
	// when id was consumed before and the record has not yet expired.
	// Concurrent calls for the same id succeed for exactly one caller.
	Consume(ctx context.Context, id string, expiresAt time.Time) error
}

// Storage is a complete backend: clients plus replay records.
type Storage interface {
	ClientStore
	ReplayStore

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
