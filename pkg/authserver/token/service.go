// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token issues and validates the credentials of the authorization server.
//
// Authorization codes, access tokens and refresh tokens are opaque to clients:
// they are compact JWE objects (dir + A256GCM) sealing the authentication
// ticket under a key derived from the server secret and the token kind.
// Identity tokens are JWS-signed JWTs produced with the key manager.
package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
)

// Kind identifies what a sealed token is for. A token of one kind never validates as another.
type Kind string

// Token kinds.
const (
	KindAuthorizationCode Kind = "code"
	KindAccessToken       Kind = "access_token"
	KindRefreshToken      Kind = "refresh_token"
	KindIDToken           Kind = "id_token"
)

// Default lifetimes.
const (
	DefaultAuthorizationCodeLifespan = 5 * time.Minute
	DefaultAccessTokenLifespan       = time.Hour
	DefaultRefreshTokenLifespan      = 14 * 24 * time.Hour
	DefaultIDTokenLifespan           = 20 * time.Minute
)

// ErrInvalidToken is the only error Validate reports for a token that cannot be
// redeemed. Malformed, forged, expired and wrong-kind tokens are indistinguishable.
var ErrInvalidToken = errors.New("invalid token")

// Config configures a Service.
type Config struct {
	// Issuer is the iss claim of identity tokens.
	Issuer string

	// Secret seals opaque tokens. It must be at least crypto.MinSecretLength bytes.
	Secret []byte

	// RotatedSecrets are previous secrets still accepted when validating.
	RotatedSecrets [][]byte

	AuthorizationCodeLifespan time.Duration
	AccessTokenLifespan       time.Duration
	RefreshTokenLifespan      time.Duration
	IDTokenLifespan           time.Duration

	// IDTokenSigningAlgorithm is the JWS algorithm of identity tokens.
	IDTokenSigningAlgorithm string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Service issues and validates tokens. It is safe for concurrent use.
type Service struct {
	cfg  Config
	keys *keys.Manager

	sealKeys   map[Kind][]byte
	unsealKeys map[Kind][][]byte
}

// NewService creates a token service signing identity tokens with km.
func NewService(cfg Config, km *keys.Manager) (*Service, error) {
	if len(cfg.Secret) < crypto.MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", crypto.MinSecretLength)
	}
	for i, s := range cfg.RotatedSecrets {
		if len(s) < crypto.MinSecretLength {
			return nil, fmt.Errorf("rotated token secret [%d] must be at least %d bytes", i, crypto.MinSecretLength)
		}
	}
	if km == nil {
		return nil, errors.New("key manager is required")
	}
	applyDefaults(&cfg)

	s := &Service{
		cfg:        cfg,
		keys:       km,
		sealKeys:   make(map[Kind][]byte),
		unsealKeys: make(map[Kind][][]byte),
	}
	for _, kind := range []Kind{KindAuthorizationCode, KindAccessToken, KindRefreshToken} {
		s.sealKeys[kind] = deriveKey(cfg.Secret, kind)
		s.unsealKeys[kind] = append(s.unsealKeys[kind], s.sealKeys[kind])
		for _, rotated := range cfg.RotatedSecrets {
			s.unsealKeys[kind] = append(s.unsealKeys[kind], deriveKey(rotated, kind))
		}
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AuthorizationCodeLifespan == 0 {
		cfg.AuthorizationCodeLifespan = DefaultAuthorizationCodeLifespan
	}
	if cfg.AccessTokenLifespan == 0 {
		cfg.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if cfg.RefreshTokenLifespan == 0 {
		cfg.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
	if cfg.IDTokenLifespan == 0 {
		cfg.IDTokenLifespan = DefaultIDTokenLifespan
	}
	if cfg.IDTokenSigningAlgorithm == "" {
		cfg.IDTokenSigningAlgorithm = keys.DefaultAlgorithm
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// deriveKey binds the encryption key to the token kind so a token sealed for one
// purpose does not even decrypt under another.
func deriveKey(secret []byte, kind Kind) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte{0})
	h.Write([]byte("oidcserver/" + kind))
	return h.Sum(nil)
}

// Lifespan returns the configured lifetime of kind.
func (s *Service) Lifespan(kind Kind) time.Duration {
	switch kind {
	case KindAuthorizationCode:
		return s.cfg.AuthorizationCodeLifespan
	case KindAccessToken:
		return s.cfg.AccessTokenLifespan
	case KindRefreshToken:
		return s.cfg.RefreshTokenLifespan
	case KindIDToken:
		return s.cfg.IDTokenLifespan
	default:
		return 0
	}
}

// IDTokenSigningAlgorithm returns the algorithm identity tokens are signed with.
func (s *Service) IDTokenSigningAlgorithm() string {
	return s.cfg.IDTokenSigningAlgorithm
}

// Issued is a freshly minted token.
type Issued struct {
	Value     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the lifetime of the token in whole seconds.
func (i *Issued) ExpiresIn() int64 {
	return int64(i.ExpiresAt.Sub(i.IssuedAt) / time.Second)
}

// Result is a successfully validated token.
type Result struct {
	Ticket    *ticket.Ticket
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// MustConsume is set for single-use kinds. The caller records ID as
	// consumed until ExpiresAt and refuses later redemptions.
	MustConsume bool
}

type envelope struct {
	Kind      Kind           `json:"kind"`
	ID        string         `json:"jti"`
	IssuedAt  int64          `json:"iat"`
	ExpiresAt int64          `json:"exp"`
	Ticket    *ticket.Ticket `json:"ticket"`
}

// IssueAuthorizationCode seals t into a single-use authorization code.
func (s *Service) IssueAuthorizationCode(ctx context.Context, t *ticket.Ticket) (*Issued, error) {
	return s.seal(ctx, KindAuthorizationCode, t)
}

// IssueAccessToken seals t into an opaque bearer access token.
func (s *Service) IssueAccessToken(ctx context.Context, t *ticket.Ticket) (*Issued, error) {
	return s.seal(ctx, KindAccessToken, t)
}

// IssueRefreshToken seals t into an opaque refresh token.
func (s *Service) IssueRefreshToken(ctx context.Context, t *ticket.Ticket) (*Issued, error) {
	return s.seal(ctx, KindRefreshToken, t)
}

func (s *Service) seal(ctx context.Context, kind Kind, t *ticket.Ticket) (*Issued, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("ticket is required")
	}

	now := s.cfg.Now().UTC().Truncate(time.Second)
	exp := now.Add(s.Lifespan(kind))

	sealed := t.Clone()
	sealed.Properties.SetIssuedAt(now)
	sealed.Properties.SetExpiresAt(exp)

	env := envelope{
		Kind:      kind,
		ID:        uuid.NewString(),
		IssuedAt:  now.Unix(),
		ExpiresAt: exp.Unix(),
		Ticket:    sealed,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.sealKeys[kind]}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s: %w", kind, err)
	}
	value, err := obj.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", kind, err)
	}

	return &Issued{Value: value, ID: env.ID, IssuedAt: now, ExpiresAt: exp}, nil
}

// Validate unseals value and checks that it is a current token of the expected kind.
// Every failure yields ErrInvalidToken. The same checks run whatever the failure.
func (s *Service) Validate(ctx context.Context, value string, expected Kind) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates, known := s.unsealKeys[expected]
	if !known {
		return nil, fmt.Errorf("kind %q cannot be validated as an opaque token", expected)
	}

	var plaintext []byte
	obj, parseErr := jose.ParseEncrypted(value, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	for _, key := range candidates {
		if parseErr != nil {
			break
		}
		out, err := obj.Decrypt(key)
		if err == nil && plaintext == nil {
			plaintext = out
		}
	}

	var env envelope
	decoded := plaintext != nil && json.Unmarshal(plaintext, &env) == nil
	kindMatches := subtle.ConstantTimeCompare([]byte(env.Kind), []byte(expected)) == 1
	now := s.cfg.Now()
	current := now.Unix() < env.ExpiresAt
	hasTicket := env.Ticket != nil

	if !decoded || !kindMatches || !current || !hasTicket {
		return nil, ErrInvalidToken
	}

	if env.Ticket.Properties == nil {
		env.Ticket.Properties = ticket.Properties{}
	}
	return &Result{
		Ticket:      env.Ticket,
		ID:          env.ID,
		IssuedAt:    time.Unix(env.IssuedAt, 0).UTC(),
		ExpiresAt:   time.Unix(env.ExpiresAt, 0).UTC(),
		MustConsume: expected == KindAuthorizationCode,
	}, nil
}
