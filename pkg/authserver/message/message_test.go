// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessorsWriteThrough(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		param string
		set   func(*Message, string)
		get   func(*Message) string
	}{
		{"client_id", ParamClientID, (*Message).SetClientID, (*Message).ClientID},
		{"client_secret", ParamClientSecret, (*Message).SetClientSecret, (*Message).ClientSecret},
		{"grant_type", ParamGrantType, (*Message).SetGrantType, (*Message).GrantType},
		{"redirect_uri", ParamRedirectURI, (*Message).SetRedirectURI, (*Message).RedirectURI},
		{"response_type", ParamResponseType, (*Message).SetResponseType, (*Message).ResponseType},
		{"scope", ParamScope, (*Message).SetScope, (*Message).Scope},
		{"state", ParamState, (*Message).SetState, (*Message).State},
		{"nonce", ParamNonce, (*Message).SetNonce, (*Message).Nonce},
		{"code", ParamCode, (*Message).SetCode, (*Message).Code},
		{"refresh_token", ParamRefreshToken, (*Message).SetRefreshToken, (*Message).RefreshToken},
		{"access_token", ParamAccessToken, (*Message).SetAccessToken, (*Message).AccessToken},
		{"id_token", ParamIDToken, (*Message).SetIDToken, (*Message).IDToken},
		{"code_verifier", ParamCodeVerifier, (*Message).SetCodeVerifier, (*Message).CodeVerifier},
		{"error", ParamError, (*Message).SetErrorCode, (*Message).ErrorCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := New()
			tt.set(m, "v1")
			assert.Equal(t, "v1", m.Get(tt.param))
			assert.Equal(t, url.Values{tt.param: {"v1"}}.Encode(), m.Encode())

			m.Set(tt.param, "v2")
			assert.Equal(t, "v2", tt.get(m))

			tt.set(m, "")
			assert.False(t, m.Has(tt.param))
		})
	}
}

func TestSetKeepsPosition(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetGrantType(GrantTypeAuthorizationCode)
	m.SetCode("abc")
	m.SetClientID("myClient")
	m.SetCode("def")

	assert.Equal(t, []string{ParamGrantType, ParamCode, ParamClientID}, m.Names())
	assert.Equal(t, "grant_type=authorization_code&code=def&client_id=myClient", m.Encode())

	m.Remove(ParamCode)
	assert.Equal(t, []string{ParamGrantType, ParamClientID}, m.Names())
	assert.Equal(t, 2, m.Len())
}

func TestParseForm(t *testing.T) {
	t.Parallel()

	m, err := ParseForm("grant_type=authorization_code&redirect_uri=https%3A%2F%2Fapp%2Fcb&scope=openid+profile&&code=")
	require.NoError(t, err)

	assert.Equal(t, []string{ParamGrantType, ParamRedirectURI, ParamScope, ParamCode}, m.Names())
	assert.Equal(t, "https://app/cb", m.RedirectURI())
	assert.Equal(t, []string{"openid", "profile"}, m.Scopes())
	assert.True(t, m.HasScope("openid"))
	assert.True(t, m.Has(ParamCode))
	assert.Empty(t, m.Code())

	_, err = ParseForm("code=a&code=b")
	require.ErrorIs(t, err, ErrDuplicateParameter)

	_, err = ParseForm("code=%zz")
	require.Error(t, err)
}

func TestFromValues(t *testing.T) {
	t.Parallel()

	m, err := FromValues(url.Values{"state": {"xyz"}, "client_id": {"myClient"}})
	require.NoError(t, err)
	assert.Equal(t, []string{ParamClientID, ParamState}, m.Names())

	_, err = FromValues(url.Values{"scope": {"a", "b"}})
	require.ErrorIs(t, err, ErrDuplicateParameter)
}

func TestJSONRoundTripIsLossless(t *testing.T) {
	t.Parallel()

	in := `{"access_token":"at","token_type":"Bearer","expires_in":3600,"custom":{"a":[1,2]},"flag":true,"skip":null}`
	m, err := ParseJSON([]byte(in))
	require.NoError(t, err)

	assert.Equal(t, []string{"access_token", "token_type", "expires_in", "custom", "flag", "skip"}, m.Names())
	skip, ok := m.Lookup("skip")
	assert.True(t, ok)
	assert.Empty(t, skip)
	n, ok := m.ExpiresIn()
	require.True(t, ok)
	assert.Equal(t, int64(3600), n)

	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, in, string(out))

	var back Message
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, m.Names(), back.Names())
	assert.Equal(t, "3600", back.Get(ParamExpiresIn))

	back.Set("skip", "set")
	out, err = json.Marshal(&back)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"skip":"set"`)
}

func TestParseJSONRejectsNonObjects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{`[]`, `"x"`, `{"a":`, ``} {
		_, err := ParseJSON([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidJSON, in)
	}

	_, err := ParseJSON([]byte(`{"a":"1","a":"2"}`))
	assert.ErrorIs(t, err, ErrDuplicateParameter)
}

func TestSetJSON(t *testing.T) {
	t.Parallel()

	m := New()
	require.NoError(t, m.SetJSON("tenant", json.RawMessage(`"acme"`)))
	require.NoError(t, m.SetJSON("claims", json.RawMessage(`{ "x" : 1 }`)))
	require.Error(t, m.SetJSON("bad", json.RawMessage(`{`)))

	assert.Equal(t, "acme", m.Get("tenant"))
	out, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenant":"acme","claims":{"x":1}}`, string(out))
	assert.Equal(t, `tenant=acme&claims=%7B%22x%22%3A1%7D`, m.Encode())
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetClientID("myClient")
	c := m.Clone()
	c.SetClientID("other")
	c.SetState("s")

	assert.Equal(t, "myClient", m.ClientID())
	assert.False(t, m.Has(ParamState))
	assert.Equal(t, "other", c.ClientID())
}

func TestZeroValueIsUsable(t *testing.T) {
	t.Parallel()

	var m Message
	assert.Empty(t, m.ClientID())
	m.SetClientID("c")
	assert.Equal(t, "c", m.ClientID())
	assert.Equal(t, url.Values{"client_id": {"c"}}, m.Values())
}
