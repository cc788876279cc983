// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ory/fosite"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/storage"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	"github.com/stacklok/oidcserver/pkg/authserver/token"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// grantTypeImplicit is only ever a client registration value; it is never redeemed here.
const grantTypeImplicit = "implicit"

// authenticatedClient is the outcome of client authentication.
type authenticatedClient struct {
	id string
	// client is nil when a handler authenticated a client unknown to the store.
	client fosite.Client
}

func (c authenticatedClient) public() bool {
	return c.client != nil && c.client.IsPublic()
}

// Token handles a token request and returns the JSON response message.
// No response is returned for a cancelled context, even when tokens were minted.
func (s *Server) Token(ctx context.Context, req *message.Message) (_ *message.Message, err error) {
	ctx, ec := s.begin(ctx, EndpointToken, req.Clone())
	defer func() { s.finish(ctx, ec, err) }()

	resp, err := s.token(ctx, ec)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) token(ctx context.Context, ec *EndpointContext) (*message.Message, error) {
	req := ec.Request
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grantType := req.GrantType()
	if grantType == "" {
		return nil, oidcerrors.NewInvalidRequestError("The mandatory 'grant_type' parameter is missing.")
	}
	if grantType == grantTypeImplicit {
		return nil, oidcerrors.NewClientError(oidcerrors.CodeUnsupportedGrantType,
			"The specified 'grant_type' is not supported.", nil)
	}

	client, err := s.authenticateClient(ctx, ec)
	if err != nil {
		return nil, err
	}
	builtIn := builtInGrant(grantType)
	if builtIn {
		if err := checkClientGrant(client, grantType); err != nil {
			return nil, err
		}
	}
	if err := server.ValidateAudienceAllowed(req.Resource(), s.cfg.AllowedAudiences); err != nil {
		return nil, err
	}

	t, err := s.redeemGrant(ctx, req, client)
	if err != nil {
		return nil, err
	}

	vn := notification.NewValidateTokenRequest(req, t)
	ec.record(vn)
	if err := s.registry.ValidateTokenRequest(ctx, vn); err != nil {
		return nil, err
	}
	if vn.IsRejected() {
		return nil, vn.Err()
	}
	t = vn.Ticket
	if t == nil {
		return nil, oidcerrors.NewClientError(oidcerrors.CodeUnsupportedGrantType,
			"The specified 'grant_type' is not supported.", nil)
	}
	if !builtIn {
		if err := checkClientGrant(client, grantType); err != nil {
			return nil, err
		}
	}
	if vn.TokenIssued() && t.Properties.ClientID() == "" {
		t.Properties.Set(ticket.PropertyClientID, client.id)
	}

	resp, err := s.issueTokens(ctx, req, client, t)
	if err != nil {
		return nil, err
	}
	ec.Response = resp

	rn := notification.NewTokenEndpointResponse(req, resp, t)
	ec.record(rn)
	if err := s.registry.TokenEndpointResponse(ctx, rn); err != nil {
		return nil, err
	}
	if rn.IsRejected() {
		return nil, rn.Err()
	}
	for name, value := range rn.AdditionalParameters {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, oidcerrors.NewInternalError("Response parameter could not be serialized.",
				fmt.Errorf("failed to marshal %s: %w", name, err))
		}
		if err := resp.SetJSON(name, raw); err != nil {
			return nil, oidcerrors.NewInternalError("Response parameter could not be serialized.", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// authenticateClient runs the client authentication notification. A rejection is
// final and a validation is trusted. Otherwise the built-in lookup must confirm
// the client: nobody vouching for a client is never success.
func (s *Server) authenticateClient(ctx context.Context, ec *EndpointContext) (authenticatedClient, error) {
	req := ec.Request
	n := notification.NewValidateClientAuthentication(req)
	ec.record(n)
	if err := s.registry.ValidateClientAuthentication(ctx, n); err != nil {
		return authenticatedClient{}, err
	}

	switch {
	case n.IsRejected():
		return authenticatedClient{}, n.Err()
	case n.IsValidated():
		if n.ClientID() == "" {
			return authenticatedClient{}, oidcerrors.NewInvalidClientError("The client application could not be identified.", nil)
		}
		client, err := s.clients.GetClient(ctx, n.ClientID())
		switch {
		case err == nil:
			return authenticatedClient{id: n.ClientID(), client: client}, nil
		case isNotFound(err):
			return authenticatedClient{id: n.ClientID()}, nil
		default:
			return authenticatedClient{}, oidcerrors.NewInternalError("Client lookup failed.", err)
		}
	}

	clientID := n.ClientID()
	if clientID == "" {
		return authenticatedClient{}, oidcerrors.NewInvalidClientError("The mandatory 'client_id' parameter is missing.", nil)
	}
	client, err := s.clients.GetClient(ctx, clientID)
	switch {
	case err == nil:
	case isNotFound(err):
		return authenticatedClient{}, oidcerrors.NewInvalidClientError("The specified client credentials are invalid.", err)
	default:
		return authenticatedClient{}, oidcerrors.NewInternalError("Client lookup failed.", err)
	}

	secret := n.ClientSecret()
	if client.IsPublic() {
		if secret != "" {
			return authenticatedClient{}, oidcerrors.NewInvalidClientError("Public clients must not send a client secret.", nil)
		}
		return authenticatedClient{id: clientID, client: client}, nil
	}
	if secret == "" {
		return authenticatedClient{}, oidcerrors.NewInvalidClientError("The mandatory 'client_secret' parameter is missing.", nil)
	}
	if err := s.compareSecret(ctx, client, secret); err != nil {
		return authenticatedClient{}, oidcerrors.NewInvalidClientError("The specified client credentials are invalid.", err)
	}
	return authenticatedClient{id: clientID, client: client}, nil
}

// compareSecret checks secret against the client's hash and, for clients that
// support rotation, against its previous hashes.
func (s *Server) compareSecret(ctx context.Context, client fosite.Client, secret string) error {
	err := s.hasher.Compare(ctx, client.GetHashedSecret(), []byte(secret))
	if err == nil {
		return nil
	}
	if rotating, ok := client.(fosite.ClientWithSecretRotation); ok {
		for _, hash := range rotating.GetRotatedHashes() {
			if s.hasher.Compare(ctx, hash, []byte(secret)) == nil {
				return nil
			}
		}
	}
	return err
}

// builtInGrant reports whether redeemGrant implements grantType itself.
func builtInGrant(grantType string) bool {
	switch grantType {
	case message.GrantTypeAuthorizationCode, message.GrantTypeRefreshToken, message.GrantTypeClientCredentials:
		return true
	}
	return false
}

// checkClientGrant refuses a grant the registered client is not allowed to use.
// Other grants are only checked once a handler issued them, so an unknown grant
// is reported as unsupported rather than unauthorized.
func checkClientGrant(client authenticatedClient, grantType string) error {
	if client.client != nil && !client.client.GetGrantTypes().Has(grantType) {
		return oidcerrors.NewClientError(oidcerrors.CodeUnauthorizedClient,
			"The client application is not allowed to use the specified 'grant_type'.", nil)
	}
	return nil
}

// redeemGrant validates the grant and returns its ticket. Grants without built-in
// support return a nil ticket, left for a token request handler to issue.
func (s *Server) redeemGrant(ctx context.Context, req *message.Message, client authenticatedClient) (*ticket.Ticket, error) {
	switch req.GrantType() {
	case message.GrantTypeAuthorizationCode:
		return s.redeemAuthorizationCode(ctx, req, client)
	case message.GrantTypeRefreshToken:
		return s.redeemRefreshToken(ctx, req, client)
	case message.GrantTypeClientCredentials:
		return s.redeemClientCredentials(req, client)
	default:
		return nil, nil
	}
}

func (s *Server) redeemAuthorizationCode(ctx context.Context, req *message.Message, client authenticatedClient) (*ticket.Ticket, error) {
	if req.Code() == "" {
		return nil, oidcerrors.NewInvalidRequestError("The mandatory 'code' parameter is missing.")
	}
	res, err := s.tokens.Validate(ctx, req.Code(), token.KindAuthorizationCode)
	if err != nil {
		return nil, grantError(ctx, err)
	}
	props := res.Ticket.Properties

	var bindErr error
	if props.ClientID() != client.id {
		bindErr = errors.Join(bindErr, errors.New("code was issued to another client"))
	}
	if props.RedirectURI() != req.RedirectURI() {
		bindErr = errors.Join(bindErr, errors.New("redirect_uri does not match the authorization request"))
	}
	if challenge := props.Get(ticket.PropertyCodeChallenge); challenge != "" {
		method := props.Get(ticket.PropertyCodeChallengeMethod)
		if !crypto.VerifyPKCE(req.CodeVerifier(), challenge, method) {
			bindErr = errors.Join(bindErr, errors.New("code_verifier does not match the code_challenge"))
		}
	} else if req.CodeVerifier() != "" {
		bindErr = errors.Join(bindErr, errors.New("code_verifier sent for a code without challenge"))
	}
	if bindErr != nil {
		return nil, oidcerrors.NewGrantError(bindErr)
	}

	// Consumed last so a misbound redemption attempt cannot burn the code.
	if err := s.replay.Consume(ctx, res.ID, res.ExpiresAt); err != nil {
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			s.logger.Warn("authorization code replayed", "clientID", client.id)
			return nil, oidcerrors.NewGrantError(err)
		}
		return nil, grantError(ctx, oidcerrors.NewInternalError("Replay store failed.", err))
	}

	t := res.Ticket
	t.Properties.Set(ticket.PropertyCodeChallenge, "")
	t.Properties.Set(ticket.PropertyCodeChallengeMethod, "")
	t.Properties.Set(ticket.PropertyRedirectURI, "")
	return t, nil
}

func (s *Server) redeemRefreshToken(ctx context.Context, req *message.Message, client authenticatedClient) (*ticket.Ticket, error) {
	if req.RefreshToken() == "" {
		return nil, oidcerrors.NewInvalidRequestError("The mandatory 'refresh_token' parameter is missing.")
	}
	res, err := s.tokens.Validate(ctx, req.RefreshToken(), token.KindRefreshToken)
	if err != nil {
		return nil, grantError(ctx, err)
	}
	t := res.Ticket
	if t.Properties.ClientID() != client.id {
		return nil, oidcerrors.NewGrantError(errors.New("refresh token was issued to another client"))
	}

	if requested := req.Scopes(); len(requested) > 0 {
		granted := t.Properties.Scopes()
		for _, scope := range requested {
			if !slices.Contains(granted, scope) {
				return nil, oidcerrors.NewClientError(oidcerrors.CodeInvalidScope,
					fmt.Sprintf("The scope '%s' was not granted by the resource owner.", scope), nil)
			}
		}
		t.Properties.SetScopes(requested)
	}

	if s.cfg.RotateRefreshTokens {
		if err := s.replay.Consume(ctx, res.ID, res.ExpiresAt); err != nil {
			if errors.Is(err, storage.ErrAlreadyConsumed) {
				s.logger.Warn("refresh token replayed", "clientID", client.id)
				return nil, oidcerrors.NewGrantError(err)
			}
			return nil, grantError(ctx, oidcerrors.NewInternalError("Replay store failed.", err))
		}
	}

	// A nonce belongs to the authentication that produced the original id_token.
	t.Properties.Set(ticket.PropertyNonce, "")
	return t, nil
}

func (s *Server) redeemClientCredentials(req *message.Message, client authenticatedClient) (*ticket.Ticket, error) {
	if client.client == nil || client.public() {
		return nil, oidcerrors.NewClientError(oidcerrors.CodeUnauthorizedClient,
			"Public clients are not allowed to use the client credentials grant.", nil)
	}
	scopes := req.Scopes()
	for _, scope := range scopes {
		if scope == message.ScopeOpenID || scope == message.ScopeOfflineAccess {
			return nil, oidcerrors.NewClientError(oidcerrors.CodeInvalidScope,
				fmt.Sprintf("The scope '%s' cannot be used with the client credentials grant.", scope), nil)
		}
	}
	if err := s.checkScopes(client.client, scopes); err != nil {
		return nil, err
	}

	t := ticket.New(ticket.NewPrincipal(client.id))
	t.Properties.Set(ticket.PropertyClientID, client.id)
	t.Properties.SetScopes(scopes)
	return t, nil
}

// issueTokens mints the tokens the ticket and grant call for.
func (s *Server) issueTokens(ctx context.Context, req *message.Message, client authenticatedClient, t *ticket.Ticket) (*message.Message, error) {
	grantType := req.GrantType()
	t = t.Clone()
	if resource := req.Resource(); resource != "" {
		t.Properties.Set(ticket.PropertyResource, resource)
		t.Properties.Set(ticket.PropertyAudience, resource)
	}

	resp := message.New()
	access, err := s.tokens.IssueAccessToken(ctx, t)
	if err != nil {
		return nil, issueError(err)
	}
	resp.SetAccessToken(access.Value)
	resp.SetTokenType(message.TokenTypeBearer)
	resp.SetExpiresIn(access.ExpiresIn())
	if scopes := t.Properties.Scopes(); len(scopes) > 0 {
		resp.SetScopes(scopes)
	}

	if grantType == message.GrantTypeClientCredentials {
		return resp, ctx.Err()
	}

	wantRefresh := t.Properties.HasScope(message.ScopeOfflineAccess) &&
		(grantType != message.GrantTypeRefreshToken || s.cfg.RotateRefreshTokens)
	if wantRefresh {
		refresh, err := s.tokens.IssueRefreshToken(ctx, t)
		if err != nil {
			return nil, issueError(err)
		}
		resp.SetRefreshToken(refresh.Value)
	}

	if t.Properties.HasScope(message.ScopeOpenID) {
		audience := t.Properties.ClientID()
		if audience == "" {
			audience = client.id
		}
		idToken, err := s.tokens.IssueIDToken(ctx, t, audience, token.WithAccessToken(access.Value))
		if err != nil {
			return nil, issueError(err)
		}
		resp.SetIDToken(idToken.Value)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// grantError collapses a redemption failure into invalid_grant, keeping
// cancellation and infrastructure failures distinguishable for the host.
func grantError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if oidcerrors.IsInternal(err) {
		return err
	}
	return oidcerrors.NewGrantError(err)
}
