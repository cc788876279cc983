// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/server/handlers"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/telemetry"
)

// writeTestConfig writes a configuration with its secret and key files to a
// temporary directory and returns the config path.
func writeTestConfig(t *testing.T, withKeyFile bool) string {
	t.Helper()
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		return path
	}

	tokenSecret := write("token", strings.Repeat("s", 32))
	webSecret := write("web", strings.Repeat("w", 32))

	keySection := ""
	if withKeyFile {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(k)
		require.NoError(t, err)
		write("signing.pem", string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})))
		keySection = fmt.Sprintf("keys:\n  key_dir: %s\n  signing_key_file: signing.pem\n", dir)
	}

	return write("config.yaml", fmt.Sprintf(`issuer: https://id.example.com
secret_file: %s
bcrypt_cost: 4
clients:
  - id: web
    secret_file: %s
    redirect_uris: [https://app.example.com/callback]
%s`, tokenSecret, webSecret, keySection))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "version", "--json")
	require.NoError(t, err)
	assert.NotEmpty(t, gjson.Get(out, "version").String())
	assert.NotEmpty(t, gjson.Get(out, "go_version").String())

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: ")
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	t.Run("valid configuration", func(t *testing.T) {
		t.Parallel()
		out, err := execute(t, "validate", "--config", writeTestConfig(t, true), "--print")
		require.NoError(t, err)
		assert.Contains(t, out, "issuer: https://id.example.com")
		assert.Contains(t, out, "id: web")
	})

	t.Run("missing config file", func(t *testing.T) {
		t.Parallel()
		_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorContains(t, err, "configuration loading failed")
	})

	t.Run("unreadable secret", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("issuer: https://id.example.com\nsecret_file: /nonexistent\n"), 0600))
		_, err := execute(t, "validate", "--config", path)
		require.ErrorContains(t, err, "validation failed")
	})
}

func TestJWKSCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "jwks", "--config", writeTestConfig(t, true))
	require.NoError(t, err)

	published := gjson.Get(out, "keys").Array()
	require.Len(t, published, 1)
	assert.Equal(t, "EC", published[0].Get("kty").String())
	assert.Equal(t, "ES256", published[0].Get("alg").String())
	assert.False(t, published[0].Get("d").Exists())
}

//nolint:paralleltest // telemetry.NewProvider sets the global otel providers
func TestNewRouter(t *testing.T) {
	tcfg := telemetry.DefaultConfig()
	tcfg.EnablePrometheusMetricsPath = true
	tp, err := telemetry.NewProvider(context.Background(), tcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv, err := authserver.New(context.Background(), authserver.Config{
		Issuer:       "https://id.example.com/tenant",
		Secret:       []byte(strings.Repeat("s", 32)),
		KeyProviders: []keys.Provider{keys.NewGeneratingProvider("")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	router, err := newRouter(srv, handlers.NewHandler(srv), tp)
	require.NoError(t, err)

	tests := []struct {
		path string
		want int
	}{
		{"/tenant/.well-known/openid-configuration", http.StatusOK},
		{"/tenant/.well-known/jwks.json", http.StatusOK},
		{"/.well-known/openid-configuration", http.StatusNotFound},
		{healthPath, http.StatusOK},
		{metricsPath, http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, metricsPath, nil))
	assert.Contains(t, rec.Body.String(), "oidcserver_http_requests_total")
}

func TestServeFlags(t *testing.T) {
	t.Parallel()

	serve, _, err := NewRootCmd().Find([]string{"serve"})
	require.NoError(t, err)
	for _, name := range []string{"address", "otel-custom-attributes", "trusted-subject-header", "trusted-email-header"} {
		assert.NotNil(t, serve.Flags().Lookup(name), name)
	}
}
