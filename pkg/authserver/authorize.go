// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	"github.com/stacklok/oidcserver/pkg/authserver/token"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// supportedResponseTypes are the response_type combinations of OAuth 2.0 Multiple
// Response Types Section 5 that the server implements.
var supportedResponseTypes = []string{
	"code",
	"token",
	"id_token",
	"code id_token",
	"code token",
	"id_token token",
	"code id_token token",
}

func supportedResponseType(rt string) bool {
	return slices.ContainsFunc(supportedResponseTypes, func(s string) bool { return sameResponseType(s, rt) })
}

// AuthorizationRequest is a validated authorization request, handed to the host
// for user login and consent and then back to CompleteAuthorization.
type AuthorizationRequest struct {
	// Request is the validated message, including values set by handlers.
	Request *message.Message

	// Client is the registered client. It is nil when a handler validated a client
	// the client store does not know.
	Client fosite.Client

	// RedirectURIDefaulted is set when the client left out redirect_uri and the
	// single registered URI was used. The token request must then omit it too.
	RedirectURIDefaulted bool

	ClientID            string
	RedirectURI         string
	ResponseTypes       []string
	ResponseMode        string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// HasResponseType reports whether rt was requested.
func (a *AuthorizationRequest) HasResponseType(rt string) bool {
	return slices.Contains(a.ResponseTypes, rt)
}

// AuthorizationError is an authorization endpoint error that must be reported to
// the client through its validated redirect URI.
type AuthorizationError struct {
	Err          error
	RedirectURI  string
	ResponseMode string
	State        string
}

func (e *AuthorizationError) Error() string { return e.Err.Error() }

func (e *AuthorizationError) Unwrap() error { return e.Err }

// Response returns the error response message, with state when the request carried one.
func (e *AuthorizationError) Response() *message.Message {
	m := ErrorResponse(e.Err)
	if e.State != "" {
		m.SetState(e.State)
	}
	return m
}

// Location returns the redirect URI carrying the error response.
func (e *AuthorizationError) Location() (string, error) {
	return redirectLocation(e.RedirectURI, e.ResponseMode, e.Response())
}

// ValidateAuthorizationRequest checks an authorization request before the host
// authenticates the user. Errors found before the redirect URI is trusted are
// returned as plain errors and must be shown to the user agent; later errors
// are *AuthorizationError values to be delivered to the client.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *message.Message) (_ *AuthorizationRequest, err error) {
	ctx, ec := s.begin(ctx, EndpointAuthorization, req.Clone())
	defer func() { s.finish(ctx, ec, err) }()
	return s.validateAuthorizationRequest(ctx, ec)
}

func (s *Server) validateAuthorizationRequest(ctx context.Context, ec *EndpointContext) (*AuthorizationRequest, error) {
	req := ec.Request
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.ClientID() == "" {
		return nil, oidcerrors.NewInvalidRequestError("The mandatory 'client_id' parameter is missing.")
	}

	defaulted := req.RedirectURI() == ""
	client, err := s.validateRedirectURI(ctx, ec)
	if err != nil {
		return nil, err
	}

	areq := &AuthorizationRequest{
		Request:              req,
		Client:               client,
		ClientID:             req.ClientID(),
		RedirectURI:          req.RedirectURI(),
		RedirectURIDefaulted: defaulted,
		ResponseTypes:        req.ResponseTypes(),
		State:                req.State(),
		Nonce:                req.Nonce(),
		CodeChallenge:        req.CodeChallenge(),
		CodeChallengeMethod:  req.CodeChallengeMethod(),
		Resource:             req.Resource(),
	}
	// Fragment until the mode is known: an unknown response_type must not leak into a query.
	areq.ResponseMode = message.ResponseModeFragment
	if sameResponseType(req.ResponseType(), message.ResponseTypeCode) {
		areq.ResponseMode = message.ResponseModeQuery
	}
	redirectable := func(err error) error {
		return &AuthorizationError{Err: err, RedirectURI: areq.RedirectURI, ResponseMode: areq.ResponseMode, State: areq.State}
	}

	if err := s.checkResponseType(areq); err != nil {
		return nil, redirectable(err)
	}
	if err := s.checkPKCE(areq); err != nil {
		return nil, redirectable(err)
	}
	if err := server.ValidateAudienceAllowed(areq.Resource, s.cfg.AllowedAudiences); err != nil {
		return nil, redirectable(err)
	}

	scopes := notification.NewValidateScopes(req, client)
	ec.record(scopes)
	if err := s.registry.ValidateScopes(ctx, scopes); err != nil {
		return nil, err
	}
	switch {
	case scopes.IsRejected():
		return nil, redirectable(scopes.Err())
	case !scopes.IsValidated():
		if err := s.checkScopes(client, req.Scopes()); err != nil {
			return nil, redirectable(err)
		}
	}
	areq.Scopes = req.Scopes()

	if areq.HasResponseType(message.ResponseTypeIDToken) {
		if !slices.Contains(areq.Scopes, message.ScopeOpenID) {
			return nil, redirectable(oidcerrors.NewInvalidRequestError("The 'openid' scope is required when requesting an identity token."))
		}
		if areq.Nonce == "" {
			return nil, redirectable(oidcerrors.NewInvalidRequestError("The mandatory 'nonce' parameter is missing."))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return areq, nil
}

// validateRedirectURI runs the redirect URI notification and, when no handler
// validated it, the built-in check against the registered client.
func (s *Server) validateRedirectURI(ctx context.Context, ec *EndpointContext) (fosite.Client, error) {
	req := ec.Request
	n := notification.NewValidateClientRedirectURI(req)
	ec.record(n)
	if err := s.registry.ValidateClientRedirectURI(ctx, n); err != nil {
		return nil, err
	}
	if n.IsRejected() {
		return nil, n.Err()
	}

	client, err := s.clients.GetClient(ctx, req.ClientID())
	switch {
	case err == nil:
	case isNotFound(err) && n.IsValidated():
		client = nil
	case isNotFound(err):
		return nil, oidcerrors.NewInvalidRequestError("The specified 'client_id' is invalid.")
	default:
		return nil, oidcerrors.NewInternalError("Client lookup failed.", err)
	}

	if !n.IsValidated() {
		if req.RedirectURI() == "" {
			registered := client.GetRedirectURIs()
			if len(registered) != 1 {
				return nil, oidcerrors.NewInvalidRequestError("The mandatory 'redirect_uri' parameter is missing.")
			}
			req.SetRedirectURI(registered[0])
		}
		if !matchRedirectURI(client, req.RedirectURI()) {
			return nil, oidcerrors.NewInvalidRequestError("The specified 'redirect_uri' is not valid for this client application.")
		}
	}

	if req.RedirectURI() == "" {
		return nil, oidcerrors.NewInvalidRequestError("The mandatory 'redirect_uri' parameter is missing.")
	}
	if !validRedirectURI(req.RedirectURI()) {
		return nil, oidcerrors.NewInvalidRequestError("The 'redirect_uri' parameter must be an absolute URI without a fragment.")
	}
	return client, nil
}

func (s *Server) checkResponseType(areq *AuthorizationRequest) error {
	rt := areq.Request.ResponseType()
	if rt == "" {
		return oidcerrors.NewInvalidRequestError("The mandatory 'response_type' parameter is missing.")
	}
	if !supportedResponseType(rt) {
		return oidcerrors.NewInvalidRequestError("The specified 'response_type' is not supported.")
	}

	hasTokens := areq.HasResponseType(message.ResponseTypeToken) || areq.HasResponseType(message.ResponseTypeIDToken)
	switch mode := areq.Request.ResponseMode(); mode {
	case "":
	case message.ResponseModeQuery:
		if hasTokens {
			return oidcerrors.NewInvalidRequestError("The 'query' response mode cannot be used with tokens.")
		}
		areq.ResponseMode = mode
	case message.ResponseModeFragment:
		areq.ResponseMode = mode
	default:
		return oidcerrors.NewInvalidRequestError("The specified 'response_mode' is not supported.")
	}

	client := areq.Client
	if client == nil {
		return nil
	}
	if !clientAllowsResponseType(client, rt) {
		return oidcerrors.NewClientError(oidcerrors.CodeUnauthorizedClient,
			"The client application is not allowed to use the specified 'response_type'.", nil)
	}
	if areq.HasResponseType(message.ResponseTypeCode) && !client.GetGrantTypes().Has(message.GrantTypeAuthorizationCode) {
		return oidcerrors.NewClientError(oidcerrors.CodeUnauthorizedClient,
			"The client application is not allowed to use the authorization code flow.", nil)
	}
	if hasTokens && !areq.HasResponseType(message.ResponseTypeCode) && !client.GetGrantTypes().Has("implicit") {
		return oidcerrors.NewClientError(oidcerrors.CodeUnauthorizedClient,
			"The client application is not allowed to use the implicit flow.", nil)
	}
	return nil
}

func (s *Server) checkPKCE(areq *AuthorizationRequest) error {
	if areq.CodeChallenge == "" {
		if areq.CodeChallengeMethod != "" {
			return oidcerrors.NewInvalidRequestError("The 'code_challenge_method' parameter requires a 'code_challenge'.")
		}
		public := areq.Client != nil && areq.Client.IsPublic()
		if areq.HasResponseType(message.ResponseTypeCode) && (public || s.cfg.RequirePKCE) {
			return oidcerrors.NewInvalidRequestError("The mandatory 'code_challenge' parameter is missing.")
		}
		return nil
	}
	if !areq.HasResponseType(message.ResponseTypeCode) {
		return oidcerrors.NewInvalidRequestError("The 'code_challenge' parameter requires the 'code' response type.")
	}
	if areq.CodeChallengeMethod == "" {
		areq.CodeChallengeMethod = crypto.PKCEChallengeMethodPlain
	}
	switch areq.CodeChallengeMethod {
	case crypto.PKCEChallengeMethodS256:
	case crypto.PKCEChallengeMethodPlain:
		if !s.cfg.AllowPlainPKCE {
			return oidcerrors.NewInvalidRequestError("The 'plain' code challenge method is not allowed.")
		}
	default:
		return oidcerrors.NewInvalidRequestError("The specified 'code_challenge_method' is not supported.")
	}
	if !crypto.ValidVerifier(areq.CodeChallenge) {
		return oidcerrors.NewInvalidRequestError("The specified 'code_challenge' is malformed.")
	}
	return nil
}

// checkScopes is the built-in scope policy: every scope must be supported by the
// server and, when the client declares scopes, allowed for the client.
func (s *Server) checkScopes(client fosite.Client, scopes []string) error {
	for _, scope := range scopes {
		if len(s.cfg.ScopesSupported) > 0 && !slices.Contains(s.cfg.ScopesSupported, scope) {
			return oidcerrors.NewClientError(oidcerrors.CodeInvalidScope,
				fmt.Sprintf("The scope '%s' is not supported.", scope), nil)
		}
		if client != nil && len(client.GetScopes()) > 0 && !fosite.ExactScopeStrategy(client.GetScopes(), scope) {
			return oidcerrors.NewClientError(oidcerrors.CodeInvalidScope,
				fmt.Sprintf("The client application is not allowed to use the scope '%s'.", scope), nil)
		}
	}
	return nil
}

// CompleteAuthorization issues the authorization response for a request the host
// has authenticated and consented to as the principal of t. The returned message
// holds the code and/or tokens and the state; RedirectLocation renders it.
func (s *Server) CompleteAuthorization(ctx context.Context, areq *AuthorizationRequest, t *ticket.Ticket) (_ *message.Message, err error) {
	if areq == nil {
		return nil, errors.New("authorization request is required")
	}
	ctx, ec := s.begin(ctx, EndpointAuthorization, areq.Request)
	defer func() { s.finish(ctx, ec, err) }()

	resp, err := s.completeAuthorization(ctx, ec, areq, t)
	if err != nil {
		if ctx.Err() != nil || oidcerrors.IsConfigurationError(err) || oidcerrors.IsInternal(err) {
			return nil, err
		}
		return nil, &AuthorizationError{Err: err, RedirectURI: areq.RedirectURI, ResponseMode: areq.ResponseMode, State: areq.State}
	}
	return resp, nil
}

func (s *Server) completeAuthorization(ctx context.Context, ec *EndpointContext, areq *AuthorizationRequest, t *ticket.Ticket) (*message.Message, error) {
	if t == nil || t.Principal.Subject() == "" {
		return nil, oidcerrors.NewInternalError("The authorization could not be completed.",
			errors.New("authorization requires a ticket with a subject"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = t.Clone()
	props := t.Properties
	props.Set(ticket.PropertyClientID, areq.ClientID)
	if !areq.RedirectURIDefaulted {
		props.Set(ticket.PropertyRedirectURI, areq.RedirectURI)
	}
	props.SetScopes(areq.Scopes)
	props.Set(ticket.PropertyNonce, areq.Nonce)
	props.Set(ticket.PropertyCodeChallenge, areq.CodeChallenge)
	props.Set(ticket.PropertyCodeChallengeMethod, areq.CodeChallengeMethod)
	props.Set(ticket.PropertyResource, areq.Resource)
	props.Set(ticket.PropertyAudience, areq.Resource)

	resp := message.New()
	ec.Response = resp

	var code, accessToken string
	if areq.HasResponseType(message.ResponseTypeCode) {
		issued, err := s.tokens.IssueAuthorizationCode(ctx, t)
		if err != nil {
			return nil, issueError(err)
		}
		code = issued.Value
		resp.SetCode(code)
	}
	if areq.HasResponseType(message.ResponseTypeToken) {
		issued, err := s.tokens.IssueAccessToken(ctx, t)
		if err != nil {
			return nil, issueError(err)
		}
		accessToken = issued.Value
		resp.SetAccessToken(accessToken)
		resp.SetTokenType(message.TokenTypeBearer)
		resp.SetExpiresIn(issued.ExpiresIn())
		if len(areq.Scopes) > 0 {
			resp.SetScopes(areq.Scopes)
		}
	}
	if areq.HasResponseType(message.ResponseTypeIDToken) {
		var opts []token.IDTokenOption
		if accessToken != "" {
			opts = append(opts, token.WithAccessToken(accessToken))
		}
		if code != "" {
			opts = append(opts, token.WithAuthorizationCode(code))
		}
		issued, err := s.tokens.IssueIDToken(ctx, t, areq.ClientID, opts...)
		if err != nil {
			return nil, issueError(err)
		}
		resp.SetIDToken(issued.Value)
	}
	if areq.State != "" {
		resp.SetState(areq.State)
	}

	n := notification.NewAuthorizationEndpointResponse(areq.Request, resp, t)
	ec.record(n)
	if err := s.registry.AuthorizationEndpointResponse(ctx, n); err != nil {
		return nil, err
	}
	if n.IsRejected() {
		return nil, n.Err()
	}

	// Tokens minted for a cancelled request are dropped.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// RedirectLocation renders resp onto the request's redirect URI using its response mode.
func RedirectLocation(areq *AuthorizationRequest, resp *message.Message) (string, error) {
	return redirectLocation(areq.RedirectURI, areq.ResponseMode, resp)
}

func redirectLocation(redirectURI, mode string, resp *message.Message) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect uri: %w", err)
	}
	switch mode {
	case message.ResponseModeFragment:
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + resp.Encode(), nil
	default:
		q := u.Query()
		for name, values := range resp.Values() {
			q[name] = values
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
}

// issueError maps token service failures onto the error taxonomy.
func issueError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, keys.ErrNoSigningKey):
		return oidcerrors.NewConfigurationError("No signing key is available to sign identity tokens.", err)
	default:
		return oidcerrors.NewInternalError("Token issuance failed.", err)
	}
}
