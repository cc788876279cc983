// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/server/crypto"
	"github.com/stacklok/oidcserver/pkg/authserver/ticket"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

func TestAuthorizeHandler_MissingClientID(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(rec))
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorizeHandler_UnregisteredRedirectURIIsNotFollowed(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	q := authorizeQuery(crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier()), "redirect_uri", "https://evil.example.com/cb")
	rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorizeHandler_DuplicateParameter(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	rec := serve(t, handler, httptest.NewRequest(http.MethodGet,
		"/oauth/authorize?client_id="+testClientID+"&client_id=other", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(rec))
}

func TestAuthorizeHandler_ErrorsAreRedirected(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	q := authorizeQuery(crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier()), "scope", "openid admin")
	rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, "invalid_scope", location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
}

func TestAuthorizeHandler_CodeFlow(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	verifier := crypto.GeneratePKCEVerifier()
	q := authorizeQuery(crypto.ComputePKCEChallenge(verifier))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil),
		func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/oauth/authorize", strings.NewReader(q.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return r
		}(),
	} {
		rec := serve(t, handler, req)
		require.Equal(t, http.StatusFound, rec.Code, req.Method)
		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(location.String(), testRedirectURI+"?"), req.Method)
		assert.NotEmpty(t, location.Query().Get("code"), req.Method)
		assert.Equal(t, "xyz", location.Query().Get("state"), req.Method)
	}
}

func TestAuthorizeHandler_HybridFlowUsesFragment(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	q := authorizeQuery(crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier()), "response_type", "code id_token")
	rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Empty(t, location.RawQuery)
	fragment, err := url.ParseQuery(location.Fragment)
	require.NoError(t, err)
	assert.NotEmpty(t, fragment.Get("code"))
	assert.NotEmpty(t, fragment.Get("id_token"))
}

func TestAuthorizeHandler_Consent(t *testing.T) {
	t.Parallel()

	q := authorizeQuery(crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier()))

	t.Run("no consent function denies access", func(t *testing.T) {
		t.Parallel()
		handler := NewHandler(newTestServer(t, nil)).Routes()
		rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
		require.Equal(t, http.StatusFound, rec.Code)
		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "access_denied", location.Query().Get("error"))
	})

	t.Run("user declines", func(t *testing.T) {
		t.Parallel()
		handler, _ := handlerTestSetup(t, WithConsent(
			func(_ http.ResponseWriter, _ *http.Request, _ *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
				return nil, oidcerrors.NewClientError("access_denied", "The user declined.", nil)
			}))
		rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
		require.Equal(t, http.StatusFound, rec.Code)
		location, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "access_denied", location.Query().Get("error"))
		assert.Equal(t, "The user declined.", location.Query().Get("error_description"))
	})

	t.Run("login page", func(t *testing.T) {
		t.Parallel()
		handler, _ := handlerTestSetup(t, WithConsent(
			func(w http.ResponseWriter, _ *http.Request, areq *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
				assert.Equal(t, testClientID, areq.ClientID)
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("<form>login</form>"))
				return nil, nil
			}))
		rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<form>login</form>", rec.Body.String())
	})

	t.Run("consent failure is not redirected", func(t *testing.T) {
		t.Parallel()
		handler, _ := handlerTestSetup(t, WithConsent(
			func(_ http.ResponseWriter, _ *http.Request, _ *authserver.AuthorizationRequest) (*ticket.Ticket, error) {
				return nil, errors.New("session store unavailable")
			}))
		rec := serve(t, handler, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "server_error", errorCode(rec))
		assert.NotContains(t, rec.Body.String(), "session store")
	})
}

func TestAuthorizeHandler_RejectsNonFormPost(t *testing.T) {
	t.Parallel()
	handler, _ := handlerTestSetup(t)

	req := httptest.NewRequest(http.MethodPost, "/oauth/authorize", strings.NewReader(`{"client_id":"web-app"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(t, handler, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(rec))
}
