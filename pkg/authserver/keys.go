// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"slices"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// Keys returns the JSON Web Key Set. Handlers may add or remove keys; whatever
// they do, only public key material leaves this method.
func (s *Server) Keys(ctx context.Context) (_ *jose.JSONWebKeySet, err error) {
	ctx, ec := s.begin(ctx, EndpointKeys, nil)
	defer func() { s.finish(ctx, ec, err) }()

	n := notification.NewKeysEndpointResponse(s.keys.PublishableKeys())
	ec.record(n)
	if err := s.registry.KeysEndpointResponse(ctx, n); err != nil {
		return nil, err
	}
	if n.IsRejected() {
		return nil, n.Err()
	}

	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(n.Keys))}
	for _, k := range n.Keys {
		if _, symmetric := k.Key.([]byte); symmetric {
			continue
		}
		pub := k.Public()
		if !pub.Valid() {
			s.logger.Warn("dropping key without public material from the key set", "kid", k.KeyID)
			continue
		}
		set.Keys = append(set.Keys, pub)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// DiscoveryDocument is the OpenID Provider Metadata (OIDC Discovery 1.0 Section 3).
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery returns the provider metadata. It fails with a configuration error
// when no key can sign identity tokens with the configured algorithm.
func (s *Server) Discovery(ctx context.Context) (_ *DiscoveryDocument, err error) {
	ctx, ec := s.begin(ctx, EndpointDiscovery, nil)
	defer func() { s.finish(ctx, ec, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alg := s.cfg.IDTokenSigningAlgorithm
	if _, err := s.keys.SigningKeyFor(alg); err != nil {
		return nil, oidcerrors.NewConfigurationError("No signing key is available to sign identity tokens.", err)
	}

	challengeMethods := []string{crypto.PKCEChallengeMethodS256}
	if s.cfg.AllowPlainPKCE {
		challengeMethods = append(challengeMethods, crypto.PKCEChallengeMethodPlain)
	}

	return &DiscoveryDocument{
		Issuer:                 s.cfg.Issuer,
		AuthorizationEndpoint:  s.cfg.endpointURL(s.cfg.AuthorizationPath),
		TokenEndpoint:          s.cfg.endpointURL(s.cfg.TokenPath),
		JWKSURI:                s.cfg.endpointURL(s.cfg.JWKSPath),
		ResponseTypesSupported: slices.Clone(supportedResponseTypes),
		ResponseModesSupported: []string{message.ResponseModeQuery, message.ResponseModeFragment},
		GrantTypesSupported: []string{
			message.GrantTypeAuthorizationCode,
			message.GrantTypeRefreshToken,
			message.GrantTypeClientCredentials,
			grantTypeImplicit,
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{alg},
		ScopesSupported:                   slices.Clone(s.cfg.ScopesSupported),
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     challengeMethods,
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "nonce", "at_hash", "c_hash"},
	}, nil
}
