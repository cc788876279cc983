// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys_test

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys/mocks"
)

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func TestNewManagerNormalizesKeys(t *testing.T) {
	t.Parallel()

	m, err := keys.NewManager([]*keys.SigningKey{{Key: ecKey(t)}})
	require.NoError(t, err)

	got := m.Keys()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].KeyID)
	assert.Equal(t, "ES256", got[0].Algorithm)
	assert.Equal(t, keys.UseSignature, got[0].Use)
	assert.False(t, got[0].CreatedAt.IsZero())
}

func TestNewManagerRejectsInvalidSets(t *testing.T) {
	t.Parallel()

	k := ecKey(t)
	tests := []struct {
		name    string
		keys    []*keys.SigningKey
		wantErr string
	}{
		{"nil key material", []*keys.SigningKey{{KeyID: "a"}}, "key material is required"},
		{"duplicate ids", []*keys.SigningKey{{KeyID: "a", Key: k}, {KeyID: "a", Key: ecKey(t)}}, "duplicate key ID"},
		{"algorithm mismatch", []*keys.SigningKey{{Key: k, Algorithm: "RS256"}}, "not compatible"},
		{"short secret", []*keys.SigningKey{{Key: []byte("short"), Algorithm: "HS256"}}, "too short"},
		{"unsupported type", []*keys.SigningKey{{Key: "pem text"}}, "failed to derive key ID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := keys.NewManager(tt.keys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSigningKeyForReturnsFirstMatch(t *testing.T) {
	t.Parallel()

	rsa1, rsa2 := rsaKey(t), rsaKey(t)
	m, err := keys.NewManager([]*keys.SigningKey{
		{KeyID: "ec", Key: ecKey(t)},
		{KeyID: "rsa-public", Key: &rsa1.PublicKey, Algorithm: "RS256"},
		{KeyID: "rsa-1", Key: rsa1},
		{KeyID: "rsa-2", Key: rsa2},
		{KeyID: "ps", Key: rsa2, Algorithm: "PS256"},
		{KeyID: "hs", Key: []byte(strings.Repeat("s", 32))},
	})
	require.NoError(t, err)

	tests := []struct {
		alg    string
		wantID string
	}{
		{"ES256", "ec"},
		{"RS256", "rsa-1"},
		{"PS256", "ps"},
		{"HS256", "hs"},
	}
	for _, tt := range tests {
		k, err := m.SigningKeyFor(tt.alg)
		require.NoError(t, err, tt.alg)
		assert.Equal(t, tt.wantID, k.KeyID, tt.alg)
	}

	_, err = m.SigningKeyFor("ES384")
	require.ErrorIs(t, err, keys.ErrNoSigningKey)

	assert.Equal(t, []string{"ES256", "RS256", "PS256", "HS256"}, m.Algorithms())
}

func TestSupportsAlgorithm(t *testing.T) {
	t.Parallel()

	rk := rsaKey(t)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name string
		key  *keys.SigningKey
		alg  string
		want bool
	}{
		{"rsa private", &keys.SigningKey{Key: rk, Algorithm: "RS256"}, "RS256", true},
		{"rsa public only", &keys.SigningKey{Key: &rk.PublicKey, Algorithm: "RS256"}, "RS256", false},
		{"declared algorithm differs", &keys.SigningKey{Key: rk, Algorithm: "RS256"}, "RS512", false},
		{"ed25519", &keys.SigningKey{Key: edKey, Algorithm: "EdDSA"}, "EdDSA", true},
		{"secret", &keys.SigningKey{Key: []byte(strings.Repeat("s", 32)), Algorithm: "HS256"}, "HS256", true},
		{"nil key", nil, "RS256", false},
		{"empty algorithm", &keys.SigningKey{Key: rk, Algorithm: "RS256"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, keys.SupportsAlgorithm(tt.key, tt.alg))
		})
	}
}

func TestPublishableKeysNeverLeakPrivateMaterial(t *testing.T) {
	t.Parallel()

	rk := rsaKey(t)
	m, err := keys.NewManager([]*keys.SigningKey{
		{KeyID: "rsa", Key: rk},
		{KeyID: "ec", Key: ecKey(t)},
		{KeyID: "hs", Key: []byte(strings.Repeat("s", 32))},
	})
	require.NoError(t, err)

	published := m.PublishableKeys()
	require.Len(t, published, 2)
	assert.Equal(t, "rsa", published[0].KeyID)
	assert.Equal(t, "ec", published[1].KeyID)

	for _, k := range published {
		assert.True(t, k.IsPublic(), k.KeyID)
		assert.Equal(t, "sig", k.Use)
	}

	raw, err := json.Marshal(jose.JSONWebKeySet{Keys: published})
	require.NoError(t, err)
	for _, member := range []string{`"d"`, `"p"`, `"q"`, `"dp"`, `"dq"`, `"qi"`, `"k"`} {
		assert.NotContains(t, string(raw), member+":")
	}
}

func TestRotateIsAtomic(t *testing.T) {
	t.Parallel()

	setA := []*keys.SigningKey{{KeyID: "a1", Key: ecKey(t)}, {KeyID: "a2", Key: ecKey(t)}}
	setB := []*keys.SigningKey{{KeyID: "b1", Key: ecKey(t)}, {KeyID: "b2", Key: ecKey(t)}}

	m, err := keys.NewManager(setA)
	require.NoError(t, err)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			next := setA
			if i%2 == 0 {
				next = setB
			}
			assert.NoError(t, m.Rotate(next))
		}
		close(done)
	}()

	for reader := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				published := m.PublishableKeys()
				if !assert.Len(t, published, 2, "reader %d", reader) {
					return
				}
				// Both keys must come from the same generation.
				assert.Equal(t, published[0].KeyID[0], published[1].KeyID[0], "reader %d saw a mixed set", reader)
			}
		}()
	}
	wg.Wait()
}

func TestRotateKeepsCurrentSetOnError(t *testing.T) {
	t.Parallel()

	m, err := keys.NewManager([]*keys.SigningKey{{KeyID: "a", Key: ecKey(t)}})
	require.NoError(t, err)

	err = m.Rotate([]*keys.SigningKey{{KeyID: "x", Key: ecKey(t)}, {KeyID: "x", Key: ecKey(t)}})
	require.Error(t, err)

	_, ok := m.VerificationKey("a")
	assert.True(t, ok)
	_, ok = m.VerificationKey("x")
	assert.False(t, ok)
}

func TestReloadUsesProvidersInOrder(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	first := mocks.NewMockProvider(ctrl)
	second := mocks.NewMockProvider(ctrl)

	first.EXPECT().Keys(gomock.Any()).Return([]*keys.SigningKey{{KeyID: "p1", Key: ecKey(t)}}, nil)
	second.EXPECT().Keys(gomock.Any()).Return([]*keys.SigningKey{{KeyID: "p2", Key: ecKey(t)}}, nil)

	m, err := keys.NewManager(nil)
	require.NoError(t, err)
	assert.Empty(t, m.PublishableKeys())

	require.NoError(t, m.Reload(t.Context(), first, second))
	published := m.PublishableKeys()
	require.Len(t, published, 2)
	assert.Equal(t, "p1", published[0].KeyID)
	assert.Equal(t, "p2", published[1].KeyID)

	failing := mocks.NewMockProvider(ctrl)
	failing.EXPECT().Keys(gomock.Any()).Return(nil, errors.New("disk gone"))
	require.Error(t, m.Reload(t.Context(), failing))
	assert.Len(t, m.PublishableKeys(), 2)
}

func TestParseJWKS(t *testing.T) {
	t.Parallel()

	signing := ecKey(t)
	verifyOnly := rsaKey(t)
	secret := []byte(strings.Repeat("s", 32))

	doc, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: signing, KeyID: "ec-1", Algorithm: "ES256", Use: "sig"},
		{Key: &verifyOnly.PublicKey, KeyID: "rsa-old", Algorithm: "RS256", Use: "sig"},
		{Key: secret, KeyID: "shared", Algorithm: "HS256", Use: "sig"},
		{Key: &verifyOnly.PublicKey, KeyID: "enc", Algorithm: "RSA-OAEP", Use: "enc"},
	}})
	require.NoError(t, err)

	parsed, err := keys.ParseJWKS(doc)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	m, err := keys.NewManager(parsed)
	require.NoError(t, err)

	k, err := m.SigningKeyFor("ES256")
	require.NoError(t, err)
	assert.Equal(t, "ec-1", k.KeyID)

	_, err = m.SigningKeyFor("RS256")
	require.ErrorIs(t, err, keys.ErrNoSigningKey)

	k, err = m.SigningKeyFor("HS256")
	require.NoError(t, err)
	assert.Equal(t, "shared", k.KeyID)

	assert.Len(t, m.PublishableKeys(), 2)

	_, err = keys.ParseJWKS([]byte(`{"keys": 12}`))
	require.Error(t, err)
}
