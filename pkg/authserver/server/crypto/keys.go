// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides key loading, algorithm derivation and PKCE helpers
// for the authorization server.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

const (
	// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
	MinRSAKeyBits = 2048

	// MinSecretLength is the minimum length in bytes of symmetric secrets.
	MinSecretLength = 32
)

// LoadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8), ECDSA (SEC1 and PKCS8) and Ed25519 (PKCS8).
func LoadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKeyPEM(keyPEM)
}

// ParseSigningKeyPEM parses the first PEM block of data as a private key.
func ParseSigningKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return checkRSASize(rsaKey)
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return checkRSASize(k)
	case crypto.Signer:
		return k, nil
	default:
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
}

func checkRSASize(k *rsa.PrivateKey) (crypto.Signer, error) {
	if bits := k.N.BitLen(); bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d bits is below minimum required %d bits", bits, MinRSAKeyBits)
	}
	return k, nil
}

// PublicKey returns the public half of a key. Symmetric keys have none.
func PublicKey(key any) (crypto.PublicKey, bool) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, true
	case *ecdsa.PrivateKey:
		return &k.PublicKey, true
	case ed25519.PrivateKey:
		return k.Public(), true
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k, true
	default:
		return nil, false
	}
}

// IsPrivate reports whether key carries private material this package can sign with.
func IsPrivate(key any) bool {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey, []byte:
		return true
	default:
		return false
	}
}

// DeriveKeyID computes a key ID using the RFC 7638 JWK thumbprint of the
// public key, or of the raw secret for symmetric keys.
func DeriveKeyID(key any) (string, error) {
	if secret, ok := key.([]byte); ok {
		// go-jose only thumbprints asymmetric keys; RFC 7638 section 3.2 members for oct are k and kty.
		canonical := `{"k":"` + base64.RawURLEncoding.EncodeToString(secret) + `","kty":"oct"}`
		sum := sha256.Sum256([]byte(canonical))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	}

	material := key
	if pub, ok := PublicKey(key); ok {
		material = pub
	}

	jwk := jose.JSONWebKey{Key: material}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm returns the default JWS algorithm for key.
func DeriveAlgorithm(key any) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey, *rsa.PublicKey:
		return string(jose.RS256), nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case *ecdsa.PublicKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey, ed25519.PublicKey:
		return string(jose.EdDSA), nil
	case []byte:
		return string(jose.HS256), nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (string, error) {
	switch curve {
	case elliptic.P256():
		return string(jose.ES256), nil
	case elliptic.P384():
		return string(jose.ES384), nil
	case elliptic.P521():
		return string(jose.ES512), nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// ValidateAlgorithmForKey checks that alg can be produced with key.
func ValidateAlgorithmForKey(alg string, key any) error {
	switch k := key.(type) {
	case *rsa.PrivateKey, *rsa.PublicKey:
		switch jose.SignatureAlgorithm(alg) {
		case jose.RS256, jose.RS384, jose.RS512, jose.PS256, jose.PS384, jose.PS512:
			return nil
		default:
			return fmt.Errorf("algorithm %s is not compatible with RSA key", alg)
		}
	case *ecdsa.PrivateKey:
		return validateECAlgorithm(alg, k.Curve)
	case *ecdsa.PublicKey:
		return validateECAlgorithm(alg, k.Curve)
	case ed25519.PrivateKey, ed25519.PublicKey:
		if jose.SignatureAlgorithm(alg) != jose.EdDSA {
			return fmt.Errorf("algorithm %s is not compatible with Ed25519 key", alg)
		}
		return nil
	case []byte:
		var minLen int
		switch jose.SignatureAlgorithm(alg) {
		case jose.HS256:
			minLen = 32
		case jose.HS384:
			minLen = 48
		case jose.HS512:
			minLen = 64
		default:
			return fmt.Errorf("algorithm %s is not compatible with symmetric key", alg)
		}
		if len(k) < minLen {
			return fmt.Errorf("symmetric key of %d bytes is too short for %s (need %d)", len(k), alg, minLen)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type: %T", key)
	}
}

func validateECAlgorithm(alg string, curve elliptic.Curve) error {
	expected, err := deriveECAlgorithm(curve)
	if err != nil {
		return err
	}
	if alg != expected {
		return fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
			alg, curve.Params().Name, expected)
	}
	return nil
}

// HashForAlgorithm returns the hash used by alg, as needed for at_hash and c_hash.
func HashForAlgorithm(alg string) (crypto.Hash, error) {
	switch jose.SignatureAlgorithm(alg) {
	case jose.RS256, jose.PS256, jose.ES256, jose.HS256:
		return crypto.SHA256, nil
	case jose.RS384, jose.PS384, jose.ES384, jose.HS384:
		return crypto.SHA384, nil
	case jose.RS512, jose.PS512, jose.ES512, jose.HS512, jose.EdDSA:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported signing algorithm: %s", alg)
	}
}

// SigningKeyParams contains the derived or configured parameters for a signing key.
type SigningKeyParams struct {
	// Key is the private key or symmetric secret.
	Key any
	// KeyID is the key identifier (either derived from thumbprint or configured).
	KeyID string
	// Algorithm is the signing algorithm (either derived from key type or configured).
	Algorithm string
}

// DeriveSigningKeyParams derives or validates signing key parameters.
// Empty keyID or algorithm are derived from the key; provided values are validated against it.
func DeriveSigningKeyParams(key any, keyID, algorithm string) (*SigningKeyParams, error) {
	params := &SigningKeyParams{Key: key, KeyID: keyID, Algorithm: algorithm}

	if params.KeyID == "" {
		derived, err := DeriveKeyID(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key ID: %w", err)
		}
		params.KeyID = derived
	}

	if params.Algorithm == "" {
		derived, err := DeriveAlgorithm(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive algorithm: %w", err)
		}
		params.Algorithm = derived
	}
	if err := ValidateAlgorithmForKey(params.Algorithm, key); err != nil {
		return nil, err
	}

	return params, nil
}

// HMACSecrets holds the current secret and any previous secrets still accepted for decryption.
type HMACSecrets struct {
	Current []byte
	Rotated [][]byte
}

// LoadHMACSecret loads a symmetric secret from a file.
// The secret must be at least MinSecretLength bytes after trimming whitespace.
func LoadHMACSecret(secretPath string) ([]byte, error) {
	data, err := os.ReadFile(secretPath) // #nosec G304 - secretPath is provided by the operator via config
	if err != nil {
		return nil, fmt.Errorf("failed to read HMAC secret file: %w", err)
	}

	// Kubernetes Secret mounts often add trailing newlines.
	secret := []byte(strings.TrimSpace(string(data)))
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes, got %d bytes", MinSecretLength, len(secret))
	}
	return secret, nil
}

// LoadHMACSecrets loads the current secret from paths[0] and rotated secrets from the rest.
// Empty rotated paths are skipped. No paths yields nil.
func LoadHMACSecrets(paths []string) (*HMACSecrets, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	if paths[0] == "" {
		return nil, fmt.Errorf("current HMAC secret path cannot be empty")
	}

	current, err := LoadHMACSecret(paths[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load current HMAC secret: %w", err)
	}

	secrets := &HMACSecrets{Current: current}
	for i, p := range paths[1:] {
		if p == "" {
			continue
		}
		rotated, err := LoadHMACSecret(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated HMAC secret [%d]: %w", i+1, err)
		}
		secrets.Rotated = append(secrets.Rotated, rotated)
	}
	return secrets, nil
}
