// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// JWKSProvider loads keys from a JWK Set document on disk.
// Private members sign; public-only members are published for verification.
// Keys keep the document order.
type JWKSProvider struct {
	path string
}

// NewJWKSProvider creates a provider reading the JWK Set at path.
func NewJWKSProvider(path string) *JWKSProvider {
	return &JWKSProvider{path: path}
}

// Keys parses the JWK Set.
func (p *JWKSProvider) Keys(_ context.Context) ([]*SigningKey, error) {
	data, err := os.ReadFile(p.path) // #nosec G304 - path is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS file: %w", err)
	}
	return ParseJWKS(data)
}

// ParseJWKS converts a JWK Set document into signing keys.
func ParseJWKS(data []byte) ([]*SigningKey, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	keys := make([]*SigningKey, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export key %d: %w", i, err)
		}

		sk := &SigningKey{Key: rawKey, CreatedAt: now}
		if kid, ok := key.KeyID(); ok {
			sk.KeyID = kid
		}
		if alg, ok := key.Algorithm(); ok {
			sk.Algorithm = alg.String()
		}
		if use, ok := key.KeyUsage(); ok {
			if use != UseSignature {
				continue
			}
			sk.Use = use
		}
		keys = append(keys, sk)
	}
	return keys, nil
}
