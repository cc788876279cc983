// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"slices"
	"strconv"
	"strings"
)

// Parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamGrantType           = "grant_type"
	ParamRedirectURI         = "redirect_uri"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamCode                = "code"
	ParamRefreshToken        = "refresh_token"
	ParamAccessToken         = "access_token"
	ParamIDToken             = "id_token"
	ParamTokenType           = "token_type"
	ParamExpiresIn           = "expires_in"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamError               = "error"
	ParamErrorDescription    = "error_description"
	ParamErrorURI            = "error_uri"
	ParamResource            = "resource"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
)

// Response types and response modes.
const (
	ResponseTypeCode    = "code"
	ResponseTypeToken   = "token"
	ResponseTypeIDToken = "id_token"

	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

// Well-known values.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
	TokenTypeBearer    = "Bearer"
)

// set writes value through to the named parameter; an empty value removes it.
func (m *Message) set(name, value string) {
	if value == "" {
		m.Remove(name)
		return
	}
	m.Set(name, value)
}

// ClientID returns the client_id parameter.
func (m *Message) ClientID() string { return m.Get(ParamClientID) }

// SetClientID sets the client_id parameter.
func (m *Message) SetClientID(v string) { m.set(ParamClientID, v) }

// ClientSecret returns the client_secret parameter.
func (m *Message) ClientSecret() string { return m.Get(ParamClientSecret) }

// SetClientSecret sets the client_secret parameter.
func (m *Message) SetClientSecret(v string) { m.set(ParamClientSecret, v) }

// GrantType returns the grant_type parameter.
func (m *Message) GrantType() string { return m.Get(ParamGrantType) }

// SetGrantType sets the grant_type parameter.
func (m *Message) SetGrantType(v string) { m.set(ParamGrantType, v) }

// RedirectURI returns the redirect_uri parameter.
func (m *Message) RedirectURI() string { return m.Get(ParamRedirectURI) }

// SetRedirectURI sets the redirect_uri parameter.
func (m *Message) SetRedirectURI(v string) { m.set(ParamRedirectURI, v) }

// ResponseType returns the raw response_type parameter.
func (m *Message) ResponseType() string { return m.Get(ParamResponseType) }

// SetResponseType sets the response_type parameter.
func (m *Message) SetResponseType(v string) { m.set(ParamResponseType, v) }

// ResponseTypes returns the space separated response_type values.
func (m *Message) ResponseTypes() []string { return strings.Fields(m.ResponseType()) }

// HasResponseType reports whether response_type contains rt.
func (m *Message) HasResponseType(rt string) bool { return slices.Contains(m.ResponseTypes(), rt) }

// ResponseMode returns the response_mode parameter.
func (m *Message) ResponseMode() string { return m.Get(ParamResponseMode) }

// SetResponseMode sets the response_mode parameter.
func (m *Message) SetResponseMode(v string) { m.set(ParamResponseMode, v) }

// Scope returns the raw scope parameter.
func (m *Message) Scope() string { return m.Get(ParamScope) }

// SetScope sets the scope parameter.
func (m *Message) SetScope(v string) { m.set(ParamScope, v) }

// Scopes returns the space separated scope values.
func (m *Message) Scopes() []string { return strings.Fields(m.Scope()) }

// SetScopes joins scopes into the scope parameter.
func (m *Message) SetScopes(scopes []string) { m.set(ParamScope, strings.Join(scopes, " ")) }

// HasScope reports whether scope contains s.
func (m *Message) HasScope(s string) bool { return slices.Contains(m.Scopes(), s) }

// State returns the state parameter.
func (m *Message) State() string { return m.Get(ParamState) }

// SetState sets the state parameter.
func (m *Message) SetState(v string) { m.set(ParamState, v) }

// Nonce returns the nonce parameter.
func (m *Message) Nonce() string { return m.Get(ParamNonce) }

// SetNonce sets the nonce parameter.
func (m *Message) SetNonce(v string) { m.set(ParamNonce, v) }

// Code returns the code parameter.
func (m *Message) Code() string { return m.Get(ParamCode) }

// SetCode sets the code parameter.
func (m *Message) SetCode(v string) { m.set(ParamCode, v) }

// RefreshToken returns the refresh_token parameter.
func (m *Message) RefreshToken() string { return m.Get(ParamRefreshToken) }

// SetRefreshToken sets the refresh_token parameter.
func (m *Message) SetRefreshToken(v string) { m.set(ParamRefreshToken, v) }

// AccessToken returns the access_token parameter.
func (m *Message) AccessToken() string { return m.Get(ParamAccessToken) }

// SetAccessToken sets the access_token parameter.
func (m *Message) SetAccessToken(v string) { m.set(ParamAccessToken, v) }

// IDToken returns the id_token parameter.
func (m *Message) IDToken() string { return m.Get(ParamIDToken) }

// SetIDToken sets the id_token parameter.
func (m *Message) SetIDToken(v string) { m.set(ParamIDToken, v) }

// TokenType returns the token_type parameter.
func (m *Message) TokenType() string { return m.Get(ParamTokenType) }

// SetTokenType sets the token_type parameter.
func (m *Message) SetTokenType(v string) { m.set(ParamTokenType, v) }

// ExpiresIn returns the expires_in parameter in seconds.
func (m *Message) ExpiresIn() (int64, bool) {
	v, ok := m.Lookup(ParamExpiresIn)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetExpiresIn sets the expires_in parameter as a JSON number.
func (m *Message) SetExpiresIn(seconds int64) {
	m.setEntry(ParamExpiresIn, entry{value: strconv.FormatInt(seconds, 10), raw: true})
}

// CodeChallenge returns the code_challenge parameter.
func (m *Message) CodeChallenge() string { return m.Get(ParamCodeChallenge) }

// SetCodeChallenge sets the code_challenge parameter.
func (m *Message) SetCodeChallenge(v string) { m.set(ParamCodeChallenge, v) }

// CodeChallengeMethod returns the code_challenge_method parameter.
func (m *Message) CodeChallengeMethod() string { return m.Get(ParamCodeChallengeMethod) }

// SetCodeChallengeMethod sets the code_challenge_method parameter.
func (m *Message) SetCodeChallengeMethod(v string) { m.set(ParamCodeChallengeMethod, v) }

// CodeVerifier returns the code_verifier parameter.
func (m *Message) CodeVerifier() string { return m.Get(ParamCodeVerifier) }

// SetCodeVerifier sets the code_verifier parameter.
func (m *Message) SetCodeVerifier(v string) { m.set(ParamCodeVerifier, v) }

// Username returns the username parameter.
func (m *Message) Username() string { return m.Get(ParamUsername) }

// SetUsername sets the username parameter.
func (m *Message) SetUsername(v string) { m.set(ParamUsername, v) }

// Password returns the password parameter.
func (m *Message) Password() string { return m.Get(ParamPassword) }

// SetPassword sets the password parameter.
func (m *Message) SetPassword(v string) { m.set(ParamPassword, v) }

// ErrorCode returns the error parameter.
func (m *Message) ErrorCode() string { return m.Get(ParamError) }

// SetErrorCode sets the error parameter.
func (m *Message) SetErrorCode(v string) { m.set(ParamError, v) }

// ErrorDescription returns the error_description parameter.
func (m *Message) ErrorDescription() string { return m.Get(ParamErrorDescription) }

// SetErrorDescription sets the error_description parameter.
func (m *Message) SetErrorDescription(v string) { m.set(ParamErrorDescription, v) }

// ErrorURI returns the error_uri parameter.
func (m *Message) ErrorURI() string { return m.Get(ParamErrorURI) }

// SetErrorURI sets the error_uri parameter.
func (m *Message) SetErrorURI(v string) { m.set(ParamErrorURI, v) }

// Resource returns the resource parameter (RFC 8707).
func (m *Message) Resource() string { return m.Get(ParamResource) }

// SetResource sets the resource parameter.
func (m *Message) SetResource(v string) { m.set(ParamResource, v) }
