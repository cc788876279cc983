// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/token"
)

// Default endpoint paths, relative to the issuer.
const (
	DefaultAuthorizationPath = "/oauth/authorize"
	DefaultTokenPath         = "/oauth/token"
	DefaultJWKSPath          = "/.well-known/jwks.json"
	DefaultDiscoveryPath     = "/.well-known/openid-configuration"
)

// Config is the resolved configuration of the authorization server.
// All values are final: no file paths, no environment lookups.
type Config struct {
	// Issuer is the issuer identifier, used as the iss claim and as the base of endpoint URLs.
	Issuer string

	// Secret seals authorization codes, access tokens and refresh tokens.
	// Must be at least 32 bytes and identical across replicas.
	Secret []byte

	// RotatedSecrets are previous secrets, still accepted when validating tokens.
	RotatedSecrets [][]byte

	// Lifespans. Zero selects the token package defaults.
	AuthorizationCodeLifespan time.Duration
	AccessTokenLifespan       time.Duration
	RefreshTokenLifespan      time.Duration
	IDTokenLifespan           time.Duration

	// IDTokenSigningAlgorithm is the JWS algorithm of identity tokens. Defaults to ES256.
	IDTokenSigningAlgorithm string

	// Clients are registered in the client store at startup.
	Clients []ClientConfig

	// ScopesSupported restricts the scopes any client may request. Empty means unrestricted.
	ScopesSupported []string

	// AllowedAudiences lists the resource indicators (RFC 8707) clients may request.
	// Empty means the resource parameter is refused.
	AllowedAudiences []string

	// AllowPlainPKCE accepts the plain code_challenge_method.
	AllowPlainPKCE bool

	// RequirePKCE requires a code_challenge from every client, not only public ones.
	RequirePKCE bool

	// RotateRefreshTokens makes refresh tokens single-use and issues a new one on each refresh.
	RotateRefreshTokens bool

	// BCryptCost is the cost used when hashing plain client secrets. Defaults to fosite's work factor.
	BCryptCost int

	// KeyProviders supply the signing keys. They are consulted at startup and on ReloadKeys.
	KeyProviders []keys.Provider

	// Endpoint paths relative to the issuer.
	AuthorizationPath string
	TokenPath         string
	JWKSPath          string
	DiscoveryPath     string
}

// ClientConfig defines a pre-registered OAuth client.
type ClientConfig struct {
	// ID is the unique identifier for this client.
	ID string

	// Secret is the plain client secret. It is bcrypt-hashed before storage.
	Secret string

	// SecretHash is an already bcrypt-hashed secret. Takes precedence over Secret.
	SecretHash string

	// RedirectURIs is the list of allowed redirect URIs for this client.
	RedirectURIs []string

	// Scopes the client may request. Empty allows any supported scope.
	Scopes []string

	// GrantTypes the client may use. Defaults to authorization_code and refresh_token.
	GrantTypes []string

	// ResponseTypes the client may request. Defaults to code.
	ResponseTypes []string

	// Public marks a client that cannot keep a secret (native app, SPA).
	Public bool
}

// Validate checks that the Config is valid.
func (c *Config) Validate() error {
	slog.Debug("validating authserver config", "issuer", c.Issuer)

	if err := validateIssuerURL(c.Issuer); err != nil {
		return err
	}
	if len(c.Secret) < crypto.MinSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes", crypto.MinSecretLength)
	}
	for i, s := range c.RotatedSecrets {
		if len(s) < crypto.MinSecretLength {
			return fmt.Errorf("rotated secret %d must be at least %d bytes", i, crypto.MinSecretLength)
		}
	}
	if c.IDTokenSigningAlgorithm != "" {
		if _, err := crypto.HashForAlgorithm(c.IDTokenSigningAlgorithm); err != nil {
			return fmt.Errorf("id token signing algorithm: %w", err)
		}
	}
	for _, aud := range c.AllowedAudiences {
		if err := validateAbsoluteURL(aud); err != nil {
			return fmt.Errorf("allowed audience %q: %w", aud, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Clients))
	for i, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if _, dup := seen[client.ID]; dup {
			return fmt.Errorf("client %d: duplicate client id %q", i, client.ID)
		}
		seen[client.ID] = struct{}{}
	}

	slog.Debug("authserver config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
		"keyProviders", len(c.KeyProviders),
	)
	return nil
}

// validateIssuerURL checks the issuer per OIDC Discovery Section 3: https (http only
// for loopback hosts), no query, no fragment, no trailing slash.
func validateIssuerURL(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("issuer scheme is required")
	}
	if parsed.Host == "" {
		return fmt.Errorf("issuer host is required")
	}
	if parsed.RawQuery != "" || parsed.ForceQuery {
		return fmt.Errorf("issuer must not contain query")
	}
	if parsed.Fragment != "" || strings.Contains(issuer, "#") {
		return fmt.Errorf("issuer must not contain fragment")
	}
	switch parsed.Scheme {
	case "https":
	case schemeHTTP:
		if !IsLoopbackHost(parsed.Hostname()) {
			return fmt.Errorf("issuer http scheme is only allowed for localhost")
		}
	default:
		return fmt.Errorf("issuer scheme must be https")
	}
	if strings.HasSuffix(parsed.Path, "/") {
		return fmt.Errorf("issuer must not have trailing slash")
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	if !validRedirectURI(raw) {
		return fmt.Errorf("must be an absolute URI without fragment")
	}
	return nil
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate() error {
	slog.Debug("validating client config", "clientID", c.ID, "public", c.Public)

	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if !c.Public && c.Secret == "" && c.SecretHash == "" {
		return fmt.Errorf("secret is required for confidential clients")
	}
	if c.Public && (c.Secret != "" || c.SecretHash != "") {
		return fmt.Errorf("public clients must not have a secret")
	}
	for i, uri := range c.RedirectURIs {
		if !validRedirectURI(uri) {
			return fmt.Errorf("redirect_uri[%d]: must be an absolute URI without fragment", i)
		}
	}
	for _, gt := range c.GrantTypes {
		if gt == message.GrantTypeClientCredentials && c.Public {
			return fmt.Errorf("public clients cannot use the client_credentials grant")
		}
	}
	for i, rt := range c.ResponseTypes {
		if !supportedResponseType(rt) {
			return fmt.Errorf("response_type[%d]: unsupported response type %q", i, rt)
		}
	}
	return nil
}

// toClient converts the configuration into a fosite client, hashing a plain secret with hasher.
func (c *ClientConfig) toClient(ctx context.Context, hasher fosite.Hasher) (*fosite.DefaultClient, error) {
	client := &fosite.DefaultClient{
		ID:            c.ID,
		RedirectURIs:  slices.Clone(c.RedirectURIs),
		Scopes:        slices.Clone(c.Scopes),
		GrantTypes:    slices.Clone(c.GrantTypes),
		ResponseTypes: slices.Clone(c.ResponseTypes),
		Public:        c.Public,
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = fosite.Arguments{message.GrantTypeAuthorizationCode, message.GrantTypeRefreshToken}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = fosite.Arguments{message.ResponseTypeCode}
	}

	switch {
	case c.SecretHash != "":
		client.Secret = []byte(c.SecretHash)
	case c.Secret != "":
		hashed, err := hasher.Hash(ctx, []byte(c.Secret))
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret of client %s: %w", c.ID, err)
		}
		client.Secret = hashed
	}
	return client, nil
}

// applyDefaults applies default values to the config where not set.
func (c *Config) applyDefaults() {
	slog.Debug("applying default values to authserver config")

	if c.IDTokenSigningAlgorithm == "" {
		c.IDTokenSigningAlgorithm = keys.DefaultAlgorithm
	}
	if c.AuthorizationCodeLifespan == 0 {
		c.AuthorizationCodeLifespan = token.DefaultAuthorizationCodeLifespan
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = token.DefaultAccessTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = token.DefaultRefreshTokenLifespan
	}
	if c.IDTokenLifespan == 0 {
		c.IDTokenLifespan = token.DefaultIDTokenLifespan
	}
	if c.BCryptCost == 0 {
		c.BCryptCost = fosite.DefaultBCryptWorkFactor
	}
	if c.AuthorizationPath == "" {
		c.AuthorizationPath = DefaultAuthorizationPath
	}
	if c.TokenPath == "" {
		c.TokenPath = DefaultTokenPath
	}
	if c.JWKSPath == "" {
		c.JWKSPath = DefaultJWKSPath
	}
	if c.DiscoveryPath == "" {
		c.DiscoveryPath = DefaultDiscoveryPath
	}
}

// endpointURL joins the issuer with path.
func (c *Config) endpointURL(path string) string {
	return c.Issuer + path
}

// snapshot returns a copy of the config whose slices are not shared with c.
func (c *Config) snapshot() Config {
	out := *c
	out.RotatedSecrets = nil
	out.Secret = nil
	out.Clients = slices.Clone(c.Clients)
	for i := range out.Clients {
		out.Clients[i].Secret = ""
		out.Clients[i].SecretHash = ""
	}
	out.ScopesSupported = slices.Clone(c.ScopesSupported)
	out.AllowedAudiences = slices.Clone(c.AllowedAudiences)
	out.KeyProviders = slices.Clone(c.KeyProviders)
	return out
}
