// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	servercrypto "github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go Provider

// Provider supplies signing keys to a Manager.
// Implementations handle key sourcing (files, JWKS documents, generation).
type Provider interface {
	// Keys returns the provider's keys in signing preference order.
	Keys(ctx context.Context) ([]*SigningKey, error)
}

// FileProvider loads keys from PEM files in a directory.
// The signing key is returned first; fallback keys are returned stripped to
// their public halves so they are published in the JWKS but never sign.
// Files are re-read on every call, so a Manager.Reload picks up replaced files.
type FileProvider struct {
	cfg Config
}

// NewFileProvider creates a provider that loads keys from a directory and
// validates them immediately.
// Supports RSA (PKCS1/PKCS8), ECDSA (SEC1/PKCS8), and Ed25519 keys.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}
	p := &FileProvider{cfg: cfg}
	if _, err := p.Keys(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Keys loads the signing key followed by the fallback keys.
func (p *FileProvider) Keys(_ context.Context) ([]*SigningKey, error) {
	signingKey, err := loadKeyFromFile(filepath.Join(p.cfg.KeyDir, p.cfg.SigningKeyFile), p.cfg.SigningKeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	keys := []*SigningKey{signingKey}
	for _, filename := range p.cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(p.cfg.KeyDir, filename), "")
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		keys = append(keys, key.VerificationOnly())
	}
	return keys, nil
}

func loadKeyFromFile(keyPath, algorithm string) (*SigningKey, error) {
	signer, err := servercrypto.LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	params, err := servercrypto.DeriveSigningKeyParams(signer, "", algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key parameters: %w", err)
	}

	return &SigningKey{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Use:       UseSignature,
		Key:       params.Key,
		CreatedAt: time.Now(),
	}, nil
}

// SymmetricProvider serves a single shared secret for HMAC signing.
// Symmetric keys sign id tokens but are never published.
type SymmetricProvider struct {
	path      string
	keyID     string
	algorithm string
}

// NewSymmetricProvider creates a provider reading the secret at path.
// An empty algorithm defaults to HS256.
func NewSymmetricProvider(path, keyID, algorithm string) *SymmetricProvider {
	return &SymmetricProvider{path: path, keyID: keyID, algorithm: algorithm}
}

// Keys reads the secret file.
func (p *SymmetricProvider) Keys(_ context.Context) ([]*SigningKey, error) {
	secret, err := servercrypto.LoadHMACSecret(p.path)
	if err != nil {
		return nil, err
	}
	params, err := servercrypto.DeriveSigningKeyParams(secret, p.keyID, p.algorithm)
	if err != nil {
		return nil, fmt.Errorf("invalid symmetric key: %w", err)
	}
	return []*SigningKey{{
		KeyID:     params.KeyID,
		Algorithm: params.Algorithm,
		Use:       UseSignature,
		Key:       secret,
		CreatedAt: time.Now(),
	}}, nil
}

// StaticProvider serves a fixed set of keys. Hosts embedding the server use it
// to hand over keys they manage themselves.
type StaticProvider []*SigningKey

// Keys returns the static keys.
func (p StaticProvider) Keys(_ context.Context) ([]*SigningKey, error) {
	return p, nil
}

// GeneratingProvider generates an ephemeral key on first access.
// Suitable for development but NOT recommended for production.
// Generated keys are lost on restart, invalidating all issued tokens.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKey
}

// NewGeneratingProvider creates a provider that generates an ephemeral key.
// If algorithm is empty, DefaultAlgorithm (ES256) is used.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// Keys returns the generated key, generating it on first use.
func (p *GeneratingProvider) Keys(_ context.Context) ([]*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		key, err := p.generateKey()
		if err != nil {
			return nil, err
		}
		slog.Warn("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"key_id", key.KeyID,
		)
		p.key = key
	}

	k := *p.key
	return []*SigningKey{&k}, nil
}

func (p *GeneratingProvider) generateKey() (*SigningKey, error) {
	privateKey, err := generatePrivateKey(p.algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	keyID, err := servercrypto.DeriveKeyID(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key ID: %w", err)
	}

	return &SigningKey{
		KeyID:     keyID,
		Algorithm: p.algorithm,
		Use:       UseSignature,
		Key:       privateKey,
		CreatedAt: time.Now(),
	}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch algorithm {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		return rsa.GenerateKey(rand.Reader, servercrypto.MinRSAKeyBits)
	case "EdDSA":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// Compile-time interface checks.
var (
	_ Provider = (*FileProvider)(nil)
	_ Provider = (*SymmetricProvider)(nil)
	_ Provider = StaticProvider(nil)
	_ Provider = (*GeneratingProvider)(nil)
	_ Provider = (*JWKSProvider)(nil)
)
