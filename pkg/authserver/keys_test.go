// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/oidcserver/pkg/authserver/notification"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	oidcerrors "github.com/stacklok/oidcserver/pkg/errors"
)

// mixedKeyManager holds a verification-only RSA key and a full EC key pair.
func mixedKeyManager(t *testing.T) *keys.Manager {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	km, err := keys.NewManager([]*keys.SigningKey{
		{KeyID: "previous", Algorithm: "RS256", Key: &rsaKey.PublicKey},
		{KeyID: "current", Key: ecKey},
		{KeyID: "shared", Algorithm: "HS256", Key: testSecret},
	})
	require.NoError(t, err)
	return km
}

func marshalKeySet(t *testing.T, set *jose.JSONWebKeySet) string {
	t.Helper()
	data, err := json.Marshal(set)
	require.NoError(t, err)
	return string(data)
}

func assertNoPrivateMaterial(t *testing.T, doc string) {
	t.Helper()
	for _, k := range gjson.Get(doc, "keys").Array() {
		for _, field := range []string{"d", "p", "q", "dp", "dq", "qi", "k"} {
			assert.False(t, k.Get(field).Exists(), "key %s exposes %q", k.Get("kid").String(), field)
		}
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeClock(), withServerOption(WithKeyManager(mixedKeyManager(t))))

	set, err := s.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, set.Keys, 2, "symmetric keys are never published")

	doc := marshalKeySet(t, set)
	assert.Equal(t, "previous", gjson.Get(doc, "keys.0.kid").String())
	assert.Equal(t, "RSA", gjson.Get(doc, "keys.0.kty").String())
	assert.Equal(t, "RS256", gjson.Get(doc, "keys.0.alg").String())
	assert.Equal(t, "current", gjson.Get(doc, "keys.1.kid").String())
	assert.Equal(t, "EC", gjson.Get(doc, "keys.1.kty").String())
	assert.Equal(t, "sig", gjson.Get(doc, "keys.1.use").String())
	assertNoPrivateMaterial(t, doc)
}

func TestKeysHandlers(t *testing.T) {
	t.Parallel()

	t.Run("private keys added by a handler are stripped", func(t *testing.T) {
		t.Parallel()
		extra, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, err)

		s := newTestServer(t, newFakeClock(), withHandlers(t, func(b *notification.RegistryBuilder) {
			b.OnKeysEndpointResponse(notification.KeysResponseHandlerFunc(
				func(_ context.Context, n *notification.KeysEndpointResponse) error {
					n.Keys = append(n.Keys,
						jose.JSONWebKey{Key: extra, KeyID: "external", Algorithm: "ES384", Use: "sig"},
						jose.JSONWebKey{Key: []byte("not-for-publication"), KeyID: "secret", Algorithm: "HS256"},
					)
					return nil
				}))
		}))

		set, err := s.Keys(context.Background())
		require.NoError(t, err)
		doc := marshalKeySet(t, set)
		assert.Equal(t, []string{"signing-key", "external"}, []string{
			gjson.Get(doc, "keys.0.kid").String(),
			gjson.Get(doc, "keys.1.kid").String(),
		})
		assert.False(t, gjson.Get(doc, "keys.2").Exists())
		assertNoPrivateMaterial(t, doc)
	})

	t.Run("handler removes keys", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, newFakeClock(), withHandlers(t, func(b *notification.RegistryBuilder) {
			b.OnKeysEndpointResponse(notification.KeysResponseHandlerFunc(
				func(_ context.Context, n *notification.KeysEndpointResponse) error {
					n.Keys = nil
					return nil
				}))
		}))

		set, err := s.Keys(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"keys":[]}`, marshalKeySet(t, set))
	})

	t.Run("rejection", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, newFakeClock(), withHandlers(t, func(b *notification.RegistryBuilder) {
			b.OnKeysEndpointResponse(notification.KeysResponseHandlerFunc(
				func(_ context.Context, n *notification.KeysEndpointResponse) error {
					n.Reject(oidcerrors.CodeServerError, "Keys are being rotated.")
					return nil
				}))
		}))

		set, err := s.Keys(context.Background())
		requireOAuthError(t, err, oidcerrors.CodeServerError)
		assert.Equal(t, "Keys are being rotated.", oidcerrors.Description(err))
		assert.Nil(t, set)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, newFakeClock())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Keys(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeClock(), withConfig(func(c *Config) {
		c.AllowPlainPKCE = true
		c.ScopesSupported = []string{"openid", "offline_access", "api"}
	}))

	doc, err := s.Discovery(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+DefaultAuthorizationPath, doc.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+DefaultTokenPath, doc.TokenEndpoint)
	assert.Equal(t, testIssuer+DefaultJWKSPath, doc.JWKSURI)
	assert.Equal(t, []string{"ES256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"S256", "plain"}, doc.CodeChallengeMethodsSupported)
	assert.Contains(t, doc.ResponseTypesSupported, "code id_token")
	assert.NotContains(t, doc.ResponseModesSupported, "form_post")
	assert.Equal(t, []string{"openid", "offline_access", "api"}, doc.ScopesSupported)

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, "public", gjson.GetBytes(data, "subject_types_supported.0").String())

	doc.ResponseTypesSupported[0] = "mutated"
	again, err := s.Discovery(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.ResponseTypesSupported[0])
}

func TestDiscoveryWithoutSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	km, err := keys.NewManager([]*keys.SigningKey{{Algorithm: "RS256", Key: &rsaKey.PublicKey}})
	require.NoError(t, err)

	s := newTestServer(t, newFakeClock(), withServerOption(WithKeyManager(km)))
	_, err = s.Discovery(context.Background())
	require.Error(t, err)
	assert.True(t, oidcerrors.IsConfigurationError(err))
	require.ErrorIs(t, err, keys.ErrNoSigningKey)

	// Verification keys are still published.
	set, err := s.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, set.Keys, 1)
}
