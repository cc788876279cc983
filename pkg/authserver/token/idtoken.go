// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
)

// supportedSignatureAlgorithms are accepted when parsing identity tokens.
var supportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256, jose.HS384, jose.HS512,
	jose.EdDSA,
}

// Claim names of identity tokens.
const (
	ClaimNonce           = "nonce"
	ClaimAccessTokenHash = "at_hash"
	ClaimCodeHash        = "c_hash"
)

// reserved claims are always set by the server and never copied from the principal.
var reserved = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
	ClaimNonce: true, ClaimAccessTokenHash: true, ClaimCodeHash: true,
}

type idTokenOptions struct {
	accessToken string
	code        string
}

// IDTokenOption customizes IssueIDToken.
type IDTokenOption func(*idTokenOptions)

// WithAccessToken binds the identity token to an access token issued in the same response (at_hash).
func WithAccessToken(value string) IDTokenOption {
	return func(o *idTokenOptions) { o.accessToken = value }
}

// WithAuthorizationCode binds the identity token to a code issued in the same response (c_hash).
func WithAuthorizationCode(value string) IDTokenOption {
	return func(o *idTokenOptions) { o.code = value }
}

// IssueIDToken signs an OpenID Connect identity token for t, addressed to audience.
// Principal claims destined for the id_token are copied in; repeated types become arrays.
// A missing signing key for the configured algorithm yields keys.ErrNoSigningKey.
func (s *Service) IssueIDToken(ctx context.Context, t *ticket.Ticket, audience string, opts ...IDTokenOption) (*Issued, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil || t.Principal.Subject() == "" {
		return nil, errors.New("identity tokens require a ticket with a subject")
	}

	var o idTokenOptions
	for _, opt := range opts {
		opt(&o)
	}

	alg := s.cfg.IDTokenSigningAlgorithm
	sk, err := s.keys.SigningKeyFor(alg)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(alg),
			Key:       jose.JSONWebKey{Key: sk.Key, KeyID: sk.KeyID, Algorithm: alg},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	now := s.cfg.Now().UTC()
	exp := now.Add(s.cfg.IDTokenLifespan)
	std := jwt.Claims{
		Issuer:   s.cfg.Issuer,
		Subject:  t.Principal.Subject(),
		Audience: jwt.Audience{audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(exp),
	}

	extra := principalClaims(t.Principal)
	if nonce := t.Properties.Nonce(); nonce != "" {
		extra[ClaimNonce] = nonce
	}
	if o.accessToken != "" {
		h, err := halfHash(alg, o.accessToken)
		if err != nil {
			return nil, err
		}
		extra[ClaimAccessTokenHash] = h
	}
	if o.code != "" {
		h, err := halfHash(alg, o.code)
		if err != nil {
			return nil, err
		}
		extra[ClaimCodeHash] = h
	}

	raw, err := jwt.Signed(signer).Claims(std).Claims(extra).Serialize()
	if err != nil {
		return nil, fmt.Errorf("failed to sign identity token: %w", err)
	}
	return &Issued{Value: raw, IssuedAt: now, ExpiresAt: exp}, nil
}

func principalClaims(p ticket.Principal) map[string]any {
	out := make(map[string]any)
	for _, c := range p.Claims {
		if reserved[c.Type] || !c.HasDestination(ticket.DestinationIDToken) {
			continue
		}
		switch existing := out[c.Type].(type) {
		case nil:
			out[c.Type] = c.Value
		case string:
			out[c.Type] = []string{existing, c.Value}
		case []string:
			out[c.Type] = append(existing, c.Value)
		}
	}
	return out
}

// halfHash computes at_hash / c_hash: the left-most half of the hash of the
// ASCII value, base64url encoded (OpenID Connect Core 3.1.3.6).
func halfHash(alg, value string) (string, error) {
	hash, err := crypto.HashForAlgorithm(alg)
	if err != nil {
		return "", err
	}
	h := hash.New()
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// ValidateIDToken verifies an identity token issued by this server for audience
// and returns its claims. Keys are looked up by kid in the current key set, so
// tokens signed before a rotation stay valid while their key is still published.
func (s *Service) ValidateIDToken(ctx context.Context, raw, audience string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := jwt.ParseSigned(raw, supportedSignatureAlgorithms)
	if err != nil || len(tok.Headers) != 1 {
		return nil, ErrInvalidToken
	}
	header := tok.Headers[0]

	sk, ok := s.keys.VerificationKey(header.KeyID)
	if !ok || sk.Algorithm != header.Algorithm {
		return nil, ErrInvalidToken
	}
	var verificationKey any = sk.Key
	if pub, ok := sk.Public(); ok {
		verificationKey = pub
	}

	var std jwt.Claims
	claims := make(map[string]any)
	if err := tok.Claims(verificationKey, &std, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      s.cfg.Issuer,
		AnyAudience: jwt.Audience{audience},
		Time:        s.cfg.Now(),
	}, 0)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
