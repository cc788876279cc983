// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package notification

import "context"

// Handlers take the request context and may block on I/O. A returned error
// rejects the step with server_error and stops the chain.

// ClientAuthenticationValidator handles ValidateClientAuthentication.
type ClientAuthenticationValidator interface {
	ValidateClientAuthentication(ctx context.Context, n *ValidateClientAuthentication) error
}

// ClientAuthenticationValidatorFunc adapts a function to ClientAuthenticationValidator.
type ClientAuthenticationValidatorFunc func(ctx context.Context, n *ValidateClientAuthentication) error

// ValidateClientAuthentication calls f.
func (f ClientAuthenticationValidatorFunc) ValidateClientAuthentication(
	ctx context.Context, n *ValidateClientAuthentication,
) error {
	return f(ctx, n)
}

// RedirectURIValidator handles ValidateClientRedirectURI.
type RedirectURIValidator interface {
	ValidateClientRedirectURI(ctx context.Context, n *ValidateClientRedirectURI) error
}

// RedirectURIValidatorFunc adapts a function to RedirectURIValidator.
type RedirectURIValidatorFunc func(ctx context.Context, n *ValidateClientRedirectURI) error

// ValidateClientRedirectURI calls f.
func (f RedirectURIValidatorFunc) ValidateClientRedirectURI(ctx context.Context, n *ValidateClientRedirectURI) error {
	return f(ctx, n)
}

// ScopeValidator handles ValidateScopes.
type ScopeValidator interface {
	ValidateScopes(ctx context.Context, n *ValidateScopes) error
}

// ScopeValidatorFunc adapts a function to ScopeValidator.
type ScopeValidatorFunc func(ctx context.Context, n *ValidateScopes) error

// ValidateScopes calls f.
func (f ScopeValidatorFunc) ValidateScopes(ctx context.Context, n *ValidateScopes) error {
	return f(ctx, n)
}

// TokenRequestValidator handles ValidateTokenRequest.
type TokenRequestValidator interface {
	ValidateTokenRequest(ctx context.Context, n *ValidateTokenRequest) error
}

// TokenRequestValidatorFunc adapts a function to TokenRequestValidator.
type TokenRequestValidatorFunc func(ctx context.Context, n *ValidateTokenRequest) error

// ValidateTokenRequest calls f.
func (f TokenRequestValidatorFunc) ValidateTokenRequest(ctx context.Context, n *ValidateTokenRequest) error {
	return f(ctx, n)
}

// AuthorizationResponseHandler handles AuthorizationEndpointResponse.
type AuthorizationResponseHandler interface {
	AuthorizationEndpointResponse(ctx context.Context, n *AuthorizationEndpointResponse) error
}

// AuthorizationResponseHandlerFunc adapts a function to AuthorizationResponseHandler.
type AuthorizationResponseHandlerFunc func(ctx context.Context, n *AuthorizationEndpointResponse) error

// AuthorizationEndpointResponse calls f.
func (f AuthorizationResponseHandlerFunc) AuthorizationEndpointResponse(
	ctx context.Context, n *AuthorizationEndpointResponse,
) error {
	return f(ctx, n)
}

// TokenResponseHandler handles TokenEndpointResponse.
type TokenResponseHandler interface {
	TokenEndpointResponse(ctx context.Context, n *TokenEndpointResponse) error
}

// TokenResponseHandlerFunc adapts a function to TokenResponseHandler.
type TokenResponseHandlerFunc func(ctx context.Context, n *TokenEndpointResponse) error

// TokenEndpointResponse calls f.
func (f TokenResponseHandlerFunc) TokenEndpointResponse(ctx context.Context, n *TokenEndpointResponse) error {
	return f(ctx, n)
}

// KeysResponseHandler handles KeysEndpointResponse.
type KeysResponseHandler interface {
	KeysEndpointResponse(ctx context.Context, n *KeysEndpointResponse) error
}

// KeysResponseHandlerFunc adapts a function to KeysResponseHandler.
type KeysResponseHandlerFunc func(ctx context.Context, n *KeysEndpointResponse) error

// KeysEndpointResponse calls f.
func (f KeysResponseHandlerFunc) KeysEndpointResponse(ctx context.Context, n *KeysEndpointResponse) error {
	return f(ctx, n)
}
