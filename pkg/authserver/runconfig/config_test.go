// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcserver/pkg/authserver/storage"
)

const sampleConfig = `
issuer: https://id.example.com
secret_file: /run/secrets/token
access_token_lifespan: 15m
scopes_supported: [openid, profile, api]
allowed_audiences: [https://api.example.com]
require_pkce: true
clients:
  - id: web
    secret_file: /run/secrets/web
    redirect_uris: [https://app.example.com/callback]
    grant_types: [authorization_code, refresh_token]
  - id: cli
    public: true
    redirect_uris: [http://127.0.0.1/callback]
keys:
  key_dir: /run/keys
  signing_key_file: current.pem
  fallback_key_files: [previous.pem]
storage:
  type: redis
  redis:
    addr: redis:6379
    key_prefix: "oidc:test:"
server:
  address: ":9090"
telemetry:
  enable_metrics_path: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(NewViper(), writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://id.example.com", cfg.Issuer)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenLifespan)
	assert.Equal(t, []string{"openid", "profile", "api"}, cfg.ScopesSupported)
	assert.True(t, cfg.RequirePKCE)
	require.Len(t, cfg.Clients, 2)
	assert.Equal(t, "web", cfg.Clients[0].ID)
	assert.True(t, cfg.Clients[1].Public)
	assert.Equal(t, []string{"previous.pem"}, cfg.Keys.FallbackKeyFiles)
	assert.Equal(t, "redis", cfg.Storage.Type)
	require.NotNil(t, cfg.Storage.Redis)
	assert.Equal(t, "oidc:test:", cfg.Storage.Redis.KeyPrefix)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "oidcserver", cfg.Telemetry.ServiceName)
	assert.True(t, cfg.Telemetry.EnableMetricsPath)
}

//nolint:paralleltest // uses t.Setenv
func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("OIDCSERVER_ISSUER", "https://env.example.com")
	t.Setenv("OIDCSERVER_SERVER_ADDRESS", "127.0.0.1:7000")
	t.Setenv("OIDCSERVER_SERVER_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("OIDCSERVER_TELEMETRY_ATTRIBUTES", "deployment.environment=staging")

	cfg, err := Load(NewViper(), writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Issuer)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "deployment.environment=staging", cfg.Telemetry.Attributes)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("no issuer", func(t *testing.T) {
		t.Parallel()
		_, err := Load(NewViper(), writeFile(t, "config.yaml", "secret_file: /x\n"))
		require.ErrorContains(t, err, "issuer")
	})
}

func TestRunConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() *RunConfig {
		return &RunConfig{
			Issuer:     "https://id.example.com",
			SecretFile: "/run/secrets/token",
			Clients: []ClientConfig{
				{ID: "web", SecretFile: "/run/secrets/web", RedirectURIs: []string{"https://app.example.com/cb"}},
			},
			Storage:   storage.RunConfig{Type: "memory"},
			Server:    ServerConfig{Address: DefaultAddress},
			Telemetry: TelemetryConfig{ServiceName: "oidcserver"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr string
	}{
		{name: "valid"},
		{name: "issuer not a url", mutate: func(c *RunConfig) { c.Issuer = "id.example.com" }, wantErr: "issuer"},
		{name: "secret file missing", mutate: func(c *RunConfig) { c.SecretFile = "" }, wantErr: "secret_file"},
		{
			name:    "unknown signing algorithm",
			mutate:  func(c *RunConfig) { c.IDTokenSigningAlgorithm = "none" },
			wantErr: "id_token_signing_algorithm",
		},
		{
			name:    "negative lifespan",
			mutate:  func(c *RunConfig) { c.AccessTokenLifespan = -time.Second },
			wantErr: "access_token_lifespan",
		},
		{name: "bcrypt cost too low", mutate: func(c *RunConfig) { c.BCryptCost = 2 }, wantErr: "bcrypt_cost"},
		{
			name:    "audience not a url",
			mutate:  func(c *RunConfig) { c.AllowedAudiences = []string{"api"} },
			wantErr: "allowed_audiences",
		},
		{
			name:    "unknown grant type",
			mutate:  func(c *RunConfig) { c.Clients[0].GrantTypes = []string{"password"} },
			wantErr: "grant_types",
		},
		{
			name:    "client without id",
			mutate:  func(c *RunConfig) { c.Clients[0].ID = "" },
			wantErr: "id",
		},
		{
			name:    "confidential client without secret",
			mutate:  func(c *RunConfig) { c.Clients[0].SecretFile = "" },
			wantErr: "needs secret_file",
		},
		{
			name:    "two secret sources",
			mutate:  func(c *RunConfig) { c.Clients[0].SecretEnv = "WEB_SECRET" },
			wantErr: "more than one secret source",
		},
		{
			name: "public client with secret",
			mutate: func(c *RunConfig) {
				c.Clients[0].Public = true
			},
			wantErr: "must not have a secret",
		},
		{
			name:    "unknown storage type",
			mutate:  func(c *RunConfig) { c.Storage.Type = "etcd" },
			wantErr: "type",
		},
		{
			name:    "redis without section",
			mutate:  func(c *RunConfig) { c.Storage.Type = "redis" },
			wantErr: "storage.redis is required",
		},
		{
			name: "redis without key prefix",
			mutate: func(c *RunConfig) {
				c.Storage.Type = "redis"
				c.Storage.Redis = &storage.RedisRunConfig{Addr: "redis:6379"}
			},
			wantErr: "key_prefix",
		},
		{name: "no listen address", mutate: func(c *RunConfig) { c.Server.Address = "" }, wantErr: "address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNilRunConfig(t *testing.T) {
	t.Parallel()
	var cfg *RunConfig
	require.EqualError(t, cfg.Validate(), "config is nil")
}
