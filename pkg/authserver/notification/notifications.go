// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
)

// Step names a protocol step that dispatches a notification.
type Step string

// Pipeline steps.
const (
	StepClientAuthentication          Step = "validate_client_authentication"
	StepClientRedirectURI             Step = "validate_client_redirect_uri"
	StepScopes                        Step = "validate_scopes"
	StepTokenRequest                  Step = "validate_token_request"
	StepAuthorizationEndpointResponse Step = "authorization_endpoint_response"
	StepTokenEndpointResponse         Step = "token_endpoint_response"
	StepKeysEndpointResponse          Step = "keys_endpoint_response"
)

// Notification is implemented by every notification type through the embedded Outcome.
type Notification interface {
	Validate() error
	Skip() error
	Reject(code, description string)
	State() State
	Err() error

	outcome() *Outcome
}

// ValidateClientAuthentication is dispatched by the token endpoint to authenticate the client.
// When no handler validates or rejects it, the built-in client store lookup decides.
type ValidateClientAuthentication struct {
	Outcome
	Request *message.Message
}

// NewValidateClientAuthentication returns a Pending notification for req.
func NewValidateClientAuthentication(req *message.Message) *ValidateClientAuthentication {
	return &ValidateClientAuthentication{Request: req}
}

// ClientID returns the client_id of the request.
func (n *ValidateClientAuthentication) ClientID() string { return n.Request.ClientID() }

// SetClientID writes client_id through to the request, for handlers that
// authenticate clients by other means (client assertions, mTLS).
func (n *ValidateClientAuthentication) SetClientID(v string) { n.Request.SetClientID(v) }

// ClientSecret returns the client_secret of the request.
func (n *ValidateClientAuthentication) ClientSecret() string { return n.Request.ClientSecret() }

// ValidateClientRedirectURI is dispatched by the authorization endpoint to check client_id and redirect_uri.
type ValidateClientRedirectURI struct {
	Outcome
	Request *message.Message
}

// NewValidateClientRedirectURI returns a Pending notification for req.
func NewValidateClientRedirectURI(req *message.Message) *ValidateClientRedirectURI {
	return &ValidateClientRedirectURI{Request: req}
}

// ClientID returns the client_id of the request.
func (n *ValidateClientRedirectURI) ClientID() string { return n.Request.ClientID() }

// RedirectURI returns the redirect_uri of the request.
func (n *ValidateClientRedirectURI) RedirectURI() string { return n.Request.RedirectURI() }

// SetRedirectURI writes redirect_uri through to the request. Handlers use it to
// supply the registered URI when the client omitted it.
func (n *ValidateClientRedirectURI) SetRedirectURI(v string) { n.Request.SetRedirectURI(v) }

// ValidateScopes is dispatched by the authorization endpoint to check the requested scopes.
type ValidateScopes struct {
	Outcome
	Request *message.Message
	// Client is the registered client, when the built-in lookup found one.
	Client fosite.Client
}

// NewValidateScopes returns a Pending notification for req.
func NewValidateScopes(req *message.Message, client fosite.Client) *ValidateScopes {
	return &ValidateScopes{Request: req, Client: client}
}

// Scopes returns the requested scopes.
func (n *ValidateScopes) Scopes() []string { return n.Request.Scopes() }

// SetScopes replaces the requested scopes in the request.
func (n *ValidateScopes) SetScopes(scopes []string) { n.Request.SetScopes(scopes) }

// ValidateTokenRequest is dispatched by the token endpoint after the client is
// authenticated and the grant redeemed, before any token is issued.
// For grants the server has no built-in support for (password, extension grants)
// Ticket is nil and a handler must call Issue, otherwise the grant is unsupported.
type ValidateTokenRequest struct {
	Outcome
	Request *message.Message
	Ticket  *ticket.Ticket

	issued bool
}

// NewValidateTokenRequest returns a Pending notification for req carrying the redeemed ticket, if any.
func NewValidateTokenRequest(req *message.Message, t *ticket.Ticket) *ValidateTokenRequest {
	return &ValidateTokenRequest{Request: req, Ticket: t}
}

// GrantType returns the grant_type of the request.
func (n *ValidateTokenRequest) GrantType() string { return n.Request.GrantType() }

// Issue replaces the ticket with one for principal and validates the step.
// It may follow Validate, but a ticket is issued at most once and never after
// the step was skipped or rejected.
func (n *ValidateTokenRequest) Issue(principal ticket.Principal, props ticket.Properties) error {
	if principal.Subject() == "" {
		return errors.New("issued principal must have a subject")
	}
	if n.issued {
		return fmt.Errorf("%w: ticket already issued", ErrIllegalTransition)
	}
	if !n.IsValidated() {
		if err := n.Validate(); err != nil {
			return err
		}
	}
	t := ticket.New(principal.Clone())
	t.Properties = props.Copy()
	n.Ticket = t
	n.issued = true
	return nil
}

// TokenIssued reports whether a handler issued the ticket through Issue.
func (n *ValidateTokenRequest) TokenIssued() bool { return n.issued }

// AuthorizationEndpointResponse is dispatched after a successful authorization,
// before the response is returned to the host. Handlers may add response parameters.
type AuthorizationEndpointResponse struct {
	Outcome
	Request  *message.Message
	Response *message.Message
	Ticket   *ticket.Ticket
}

// NewAuthorizationEndpointResponse returns a Pending notification.
func NewAuthorizationEndpointResponse(req, resp *message.Message, t *ticket.Ticket) *AuthorizationEndpointResponse {
	return &AuthorizationEndpointResponse{Request: req, Response: resp, Ticket: t}
}

// TokenEndpointResponse is dispatched after tokens are issued, before the
// response is returned. Handlers may append custom fields via AdditionalParameters.
type TokenEndpointResponse struct {
	Outcome
	Request  *message.Message
	Response *message.Message
	Ticket   *ticket.Ticket

	// AdditionalParameters are merged into the response after dispatch.
	// Values are serialized as JSON.
	AdditionalParameters map[string]any
}

// NewTokenEndpointResponse returns a Pending notification.
func NewTokenEndpointResponse(req, resp *message.Message, t *ticket.Ticket) *TokenEndpointResponse {
	return &TokenEndpointResponse{Request: req, Response: resp, Ticket: t, AdditionalParameters: map[string]any{}}
}

// AccessToken returns the issued access token.
func (n *TokenEndpointResponse) AccessToken() string { return n.Response.AccessToken() }

// KeysEndpointResponse is dispatched by the keys endpoint with the publishable
// key set. Handlers may add or remove keys. Private key material is stripped
// after dispatch whatever the handlers do.
type KeysEndpointResponse struct {
	Outcome
	Keys []jose.JSONWebKey
}

// NewKeysEndpointResponse returns a Pending notification over a copy of keys.
func NewKeysEndpointResponse(keys []jose.JSONWebKey) *KeysEndpointResponse {
	return &KeysEndpointResponse{Keys: append([]jose.JSONWebKey(nil), keys...)}
}

var (
	_ Notification = (*ValidateClientAuthentication)(nil)
	_ Notification = (*ValidateClientRedirectURI)(nil)
	_ Notification = (*ValidateScopes)(nil)
	_ Notification = (*ValidateTokenRequest)(nil)
	_ Notification = (*AuthorizationEndpointResponse)(nil)
	_ Notification = (*TokenEndpointResponse)(nil)
	_ Notification = (*KeysEndpointResponse)(nil)
)
