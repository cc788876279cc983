// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import "fmt"

// Config holds configuration for creating key providers.
// The caller is responsible for populating this from their own config source.
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	// All key filenames are relative to this directory.
	KeyDir string

	// SigningKeyFile is the filename of the primary signing key (relative to KeyDir).
	SigningKeyFile string

	// SigningKeyAlgorithm overrides the algorithm derived from the signing key,
	// e.g. PS256 for an RSA key.
	SigningKeyAlgorithm string

	// FallbackKeyFiles are filenames of additional keys published for verification
	// (relative to KeyDir). They never sign new tokens.
	//
	// Rotation: add the new key here and roll out, promote it to SigningKeyFile
	// while moving the old one here, then drop the old one once its tokens expired.
	FallbackKeyFiles []string

	// JWKSFile is a JWK Set document whose keys are appended after the PEM keys.
	JWKSFile string

	// SymmetricKeyFile holds a shared secret used for HMAC signed id tokens.
	SymmetricKeyFile string

	// SymmetricKeyID is the key ID of the shared secret. Derived when empty.
	SymmetricKeyID string

	// SymmetricAlgorithm is HS256, HS384 or HS512. Defaults to HS256.
	SymmetricAlgorithm string

	// GenerateAlgorithm is the algorithm of the ephemeral key generated when no
	// other source is configured. Defaults to DefaultAlgorithm.
	GenerateAlgorithm string
}

// NewProvidersFromConfig creates the key providers described by cfg, in signing preference order.
//
// Behavior:
//   - KeyDir and SigningKeyFile set: PEM keys from the directory
//   - JWKSFile set: keys from the JWK Set
//   - SymmetricKeyFile set: a shared HMAC secret
//   - nothing set: an ephemeral generated key (development only)
//   - KeyDir set but SigningKeyFile empty: an error
func NewProvidersFromConfig(cfg Config) ([]Provider, error) {
	var providers []Provider

	if cfg.KeyDir != "" {
		fp, err := NewFileProvider(cfg)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	if cfg.JWKSFile != "" {
		providers = append(providers, NewJWKSProvider(cfg.JWKSFile))
	}
	if cfg.SymmetricKeyFile != "" {
		providers = append(providers, NewSymmetricProvider(cfg.SymmetricKeyFile, cfg.SymmetricKeyID, cfg.SymmetricAlgorithm))
	}

	if len(providers) == 0 {
		if cfg.SigningKeyFile != "" {
			return nil, fmt.Errorf("signing key file %q set without a key directory", cfg.SigningKeyFile)
		}
		providers = append(providers, NewGeneratingProvider(cfg.GenerateAlgorithm))
	}
	return providers, nil
}
