// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys owns the set of signing credentials of the authorization server.
//
// The [Manager] holds an ordered, immutable snapshot of keys that is swapped
// atomically on rotation. Readers never lock and never observe a partially
// updated set. Keys come from a [Provider]: PEM files, a JWKS document, a
// symmetric secret, or an ephemeral generated key for development.
package keys

import (
	"crypto"
	"time"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
)

// DefaultAlgorithm is the default signing algorithm for auto-generated keys.
// ES256 (ECDSA with P-256) provides security equivalent to RSA-3072 with smaller keys.
const DefaultAlgorithm = string(jose.ES256)

// UseSignature is the JWK "use" value of signing keys.
const UseSignature = "sig"

// SigningKey is a credential held by the Manager.
// Key is one of *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey, a []byte
// symmetric secret, or the public half of an asymmetric key. Public-only keys
// are published for verification but never sign.
type SigningKey struct {
	// KeyID is the unique identifier for this key, by default its RFC 7638 thumbprint.
	KeyID string

	// Algorithm is the single JWS algorithm this key signs with (e.g. "ES256", "HS256").
	Algorithm string

	// Use is the JWK "use" value. Defaults to "sig".
	Use string

	// Key is the key material.
	Key any

	// CreatedAt is when this key was generated or loaded.
	CreatedAt time.Time
}

// CanSign reports whether the key carries private or symmetric material.
func (k *SigningKey) CanSign() bool {
	return servercrypto.IsPrivate(k.Key)
}

// IsSymmetric reports whether the key is a shared secret.
func (k *SigningKey) IsSymmetric() bool {
	_, ok := k.Key.([]byte)
	return ok
}

// Public returns the public half of an asymmetric key.
func (k *SigningKey) Public() (crypto.PublicKey, bool) {
	return servercrypto.PublicKey(k.Key)
}

// VerificationOnly returns a copy of the key stripped to its public half.
// Symmetric keys cannot be stripped and are returned unchanged.
func (k *SigningKey) VerificationOnly() *SigningKey {
	out := *k
	if pub, ok := k.Public(); ok {
		out.Key = pub
	}
	return &out
}

// SupportsAlgorithm reports whether key can produce signatures with alg.
// The key must declare alg and hold usable private or symmetric material of the matching family.
func SupportsAlgorithm(key *SigningKey, alg string) bool {
	if key == nil || alg == "" || key.Algorithm != alg || !key.CanSign() {
		return false
	}
	return servercrypto.ValidateAlgorithmForKey(alg, key.Key) == nil
}
