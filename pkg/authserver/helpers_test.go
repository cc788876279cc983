// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/authserver/message"
	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

const (
	testIssuer       = "https://auth.example.com"
	testClientID     = "myClient"
	testClientSecret = "myClientSecret"
	testRedirectURI  = "https://app.example.com/cb"
	testPublicClient = "publicClient"
	testOtherClient  = "otherClient"
	testSubject      = "alice"
	testState        = "af0ifjsldkj"
	testNonce        = "n-0S6_WzA2Mj"
)

var testSecret = []byte(strings.Repeat("0123456789abcdef", 2))

type fakeClock struct{ now atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).Unix())
	return c
}

func (c *fakeClock) Now() time.Time            { return time.Unix(c.now.Load(), 0).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d / time.Second)) }

func testConfig() Config {
	return Config{
		Issuer:     testIssuer,
		Secret:     testSecret,
		BCryptCost: 4,
		Clients: []ClientConfig{
			{
				ID:           testClientID,
				Secret:       testClientSecret,
				RedirectURIs: []string{testRedirectURI},
				Scopes:       []string{"openid", "offline_access", "profile", "api"},
				GrantTypes: []string{
					"authorization_code", "refresh_token", "client_credentials", "password", "implicit",
				},
				ResponseTypes: []string{"code", "code id_token", "id_token token", "id_token"},
			},
			{
				ID:           testOtherClient,
				Secret:       "otherClientSecret",
				RedirectURIs: []string{testRedirectURI},
			},
			{
				ID:           testPublicClient,
				Public:       true,
				RedirectURIs: []string{"http://127.0.0.1/callback", "com.example.app:/oauth"},
			},
		},
	}
}

func newSigningManager(t *testing.T) *keys.Manager {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	km, err := keys.NewManager([]*keys.SigningKey{{KeyID: "signing-key", Key: k}})
	require.NoError(t, err)
	return km
}

type testServerOptions struct {
	mutate []func(*Config)
	opts   []Option
}

type testOption func(*testServerOptions)

func withConfig(fn func(*Config)) testOption {
	return func(o *testServerOptions) { o.mutate = append(o.mutate, fn) }
}

func withServerOption(opt Option) testOption {
	return func(o *testServerOptions) { o.opts = append(o.opts, opt) }
}

func withHandlers(t *testing.T, fn func(b *notification.RegistryBuilder)) testOption {
	t.Helper()
	b := notification.NewRegistryBuilder()
	fn(b)
	reg, err := b.Build()
	require.NoError(t, err)
	return withServerOption(WithRegistry(reg))
}

func newTestServer(t *testing.T, clock *fakeClock, opts ...testOption) *Server {
	t.Helper()
	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg := testConfig()
	for _, fn := range o.mutate {
		fn(&cfg)
	}
	all := append([]Option{
		WithClock(clock.Now),
		WithKeyManager(newSigningManager(t)),
	}, o.opts...)

	s, err := New(context.Background(), cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMessage(params ...string) *message.Message {
	m := message.New()
	for i := 0; i+1 < len(params); i += 2 {
		m.Set(params[i], params[i+1])
	}
	return m
}

func aliceTicket() *ticket.Ticket {
	p := ticket.NewPrincipal(testSubject)
	p.Add(ticket.Claim{Type: "email", Value: "alice@example.com", Destinations: []string{ticket.DestinationIDToken}})
	return ticket.New(p)
}

// authorizationRequest is a valid code flow request for myClient with PKCE.
func authorizationRequest(verifier string, extra ...string) *message.Message {
	m := newMessage(
		message.ParamClientID, testClientID,
		message.ParamResponseType, message.ResponseTypeCode,
		message.ParamRedirectURI, testRedirectURI,
		message.ParamScope, "openid offline_access",
		message.ParamState, testState,
		message.ParamNonce, testNonce,
		message.ParamCodeChallenge, crypto.ComputePKCEChallenge(verifier),
		message.ParamCodeChallengeMethod, crypto.PKCEChallengeMethodS256,
	)
	for i := 0; i+1 < len(extra); i += 2 {
		m.Set(extra[i], extra[i+1])
	}
	return m
}

// issueCode runs the authorization endpoint for alice and returns the code.
func issueCode(t *testing.T, s *Server, verifier string, extra ...string) string {
	t.Helper()
	ctx := context.Background()
	areq, err := s.ValidateAuthorizationRequest(ctx, authorizationRequest(verifier, extra...))
	require.NoError(t, err)
	resp, err := s.CompleteAuthorization(ctx, areq, aliceTicket())
	require.NoError(t, err)
	require.NotEmpty(t, resp.Code())
	return resp.Code()
}

func codeRedemption(code, verifier string) *message.Message {
	return newMessage(
		message.ParamGrantType, message.GrantTypeAuthorizationCode,
		message.ParamClientID, testClientID,
		message.ParamClientSecret, testClientSecret,
		message.ParamCode, code,
		message.ParamRedirectURI, testRedirectURI,
		message.ParamCodeVerifier, verifier,
	)
}

// requireOAuthError asserts err renders as the OAuth error code.
func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, oidcerrors.Code(err), "error: %v", err)
}
