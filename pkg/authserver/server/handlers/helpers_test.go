// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
)

const (
	testIssuer       = "https://auth.example.com"
	testClientID     = "web-app"
	testClientSecret = "web-app-secret"
	testRedirectURI  = "https://app.example.com/callback"
	testPublicClient = "cli"
	testSubject      = "user-123"
)

func testConfig() authserver.Config {
	return authserver.Config{
		Issuer:     testIssuer,
		Secret:     []byte(strings.Repeat("k", 32)),
		BCryptCost: 4,
		Clients: []authserver.ClientConfig{
			{
				ID:            testClientID,
				Secret:        testClientSecret,
				RedirectURIs:  []string{testRedirectURI},
				GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
				ResponseTypes: []string{"code", "code id_token"},
			},
			{
				ID:           testPublicClient,
				Public:       true,
				RedirectURIs: []string{"http://127.0.0.1/callback"},
			},
		},
	}
}

// loginAs is a ConsentFunc that approves every request for subject.
func loginAs(subject string) ConsentFunc {
	return func(_ http.ResponseWriter, _ *http.Request, _ *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
		return ticket.New(ticket.NewPrincipal(subject)), nil
	}
}

func newTestServer(t *testing.T, mutate func(*authserver.Config), opts ...authserver.Option) *authserver.Server {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	km, err := keys.NewManager([]*keys.SigningKey{{KeyID: "test-key-1", Key: k}})
	require.NoError(t, err)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := authserver.New(context.Background(), cfg, append([]authserver.Option{authserver.WithKeyManager(km)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// handlerTestSetup creates a router serving a fresh server that logs everyone in as testSubject.
func handlerTestSetup(t *testing.T, opts ...Option) (http.Handler, *authserver.Server) {
	t.Helper()
	srv := newTestServer(t, nil)
	h := NewHandler(srv, append([]Option{WithConsent(loginAs(testSubject))}, opts...)...)
	return h.Routes(), srv
}

func authorizeQuery(challenge string, extra ...string) url.Values {
	v := url.Values{
		"client_id":             {testClientID},
		"response_type":         {"code"},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid offline_access"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6"},
		"code_challenge":        {challenge},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return v
}

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// obtainCode runs the authorization endpoint and returns the code from the redirect.
func obtainCode(t *testing.T, h http.Handler, verifier string) string {
	t.Helper()
	q := authorizeQuery(crypto.ComputePKCEChallenge(verifier))
	rec := serve(t, h, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func errorCode(rec *httptest.ResponseRecorder) string {
	return gjson.Get(rec.Body.String(), "error").String()
}
