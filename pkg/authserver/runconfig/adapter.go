// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package runconfig

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/oidcserver/pkg/authserver"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/authserver/storage"
	"github.com/stacklok/oidcserver/pkg/logger"
	"github.com/stacklok/oidcserver/pkg/telemetry"
)

// MinClientSecretLength is the minimum required length for plain client secrets.
const MinClientSecretLength = 32

// BuildConfig converts a RunConfig into an authserver.Config.
// Handles:
//   - Loading the token secret and rotated secrets from files
//   - Resolving client secrets (file, environment or hash)
//   - Creating the signing key providers
//   - Port substitution in the issuer URL (:0 -> listenPort)
func BuildConfig(cfg *RunConfig, listenPort int) (*authserver.Config, error) {
	return BuildConfigWithEnv(&env.OSReader{}, cfg, listenPort)
}

// BuildConfigWithEnv is BuildConfig reading environment variables through envReader.
func BuildConfigWithEnv(envReader env.Reader, cfg *RunConfig, listenPort int) (*authserver.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RunConfig is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	issuer, err := resolveIssuer(cfg.Issuer, listenPort)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve issuer URL: %w", err)
	}

	secret, err := readSecretFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load token secret: %w", err)
	}
	rotated := make([][]byte, 0, len(cfg.RotatedSecretFiles))
	for _, path := range cfg.RotatedSecretFiles {
		s, err := readSecretFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rotated secret: %w", err)
		}
		rotated = append(rotated, s)
	}

	providers, err := keys.NewProvidersFromConfig(cfg.Keys.ToKeysConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create key providers: %w", err)
	}

	clients, err := buildClientConfigs(envReader, cfg.Clients)
	if err != nil {
		return nil, fmt.Errorf("failed to build client configs: %w", err)
	}

	return &authserver.Config{
		Issuer:                    issuer,
		Secret:                    secret,
		RotatedSecrets:            rotated,
		AuthorizationCodeLifespan: cfg.AuthorizationCodeLifespan,
		AccessTokenLifespan:       cfg.AccessTokenLifespan,
		RefreshTokenLifespan:      cfg.RefreshTokenLifespan,
		IDTokenLifespan:           cfg.IDTokenLifespan,
		IDTokenSigningAlgorithm:   cfg.IDTokenSigningAlgorithm,
		Clients:                   clients,
		ScopesSupported:           cfg.ScopesSupported,
		AllowedAudiences:          cfg.AllowedAudiences,
		AllowPlainPKCE:            cfg.AllowPlainPKCE,
		RequirePKCE:               cfg.RequirePKCE,
		RotateRefreshTokens:       cfg.RotateRefreshTokens,
		BCryptCost:                cfg.BCryptCost,
		KeyProviders:              providers,
	}, nil
}

// ToKeysConfig converts the section to keys.Config.
func (k KeysConfig) ToKeysConfig() keys.Config {
	return keys.Config{
		KeyDir:              k.KeyDir,
		SigningKeyFile:      k.SigningKeyFile,
		SigningKeyAlgorithm: k.SigningKeyAlgorithm,
		FallbackKeyFiles:    k.FallbackKeyFiles,
		JWKSFile:            k.JWKSFile,
		SymmetricKeyFile:    k.SymmetricKeyFile,
		SymmetricKeyID:      k.SymmetricKeyID,
		SymmetricAlgorithm:  k.SymmetricAlgorithm,
		GenerateAlgorithm:   k.GenerateAlgorithm,
	}
}

// BuildStorageConfig converts the storage section to storage.Config, reading the Redis password file.
func BuildStorageConfig(cfg storage.RunConfig) (*storage.Config, error) {
	switch storage.Type(cfg.Type) {
	case "", storage.TypeMemory:
		return storage.DefaultConfig(), nil
	case storage.TypeRedis:
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis storage requires a redis section")
	}

	rc := &storage.RedisConfig{
		Addr:      cfg.Redis.Addr,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}
	if cfg.Redis.MasterName != "" {
		rc.SentinelConfig = &storage.SentinelConfig{
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.SentinelAddrs,
			DB:            cfg.Redis.DB,
		}
	}
	if cfg.Redis.Username != "" || cfg.Redis.PasswordFile != "" {
		acl := &storage.ACLUserConfig{Username: cfg.Redis.Username}
		if cfg.Redis.PasswordFile != "" {
			data, err := os.ReadFile(cfg.Redis.PasswordFile) // #nosec G304 - file path is provided by user via config
			if err != nil {
				return nil, fmt.Errorf("failed to read redis password file: %w", err)
			}
			acl.Password = strings.TrimSpace(string(data))
		}
		rc.ACLUserConfig = acl
	}
	return &storage.Config{Type: storage.TypeRedis, Redis: rc}, nil
}

// BuildTelemetryConfig converts the telemetry section to telemetry.Config.
// Pairs from Attributes take precedence over CustomAttributes.
func BuildTelemetryConfig(cfg TelemetryConfig) (telemetry.Config, error) {
	out := telemetry.DefaultConfig()
	out.ServiceName = cfg.ServiceName
	if cfg.ServiceVersion != "" {
		out.ServiceVersion = cfg.ServiceVersion
	}
	out.EnablePrometheusMetricsPath = cfg.EnableMetricsPath
	out.IncludeRuntimeMetrics = cfg.IncludeRuntimeMetrics
	for k, v := range cfg.CustomAttributes {
		out.CustomAttributes[k] = v
	}

	parsed, err := telemetry.ParseResourceAttributes(cfg.Attributes)
	if err != nil {
		return telemetry.Config{}, fmt.Errorf("invalid telemetry attributes: %w", err)
	}
	for k, v := range parsed {
		out.CustomAttributes[k] = v
	}
	return out, nil
}

// resolveIssuer replaces port 0 in the issuer URL with the actual listening port.
// Only replaces the port if it's exactly "0" in the URL's host portion.
func resolveIssuer(issuer string, listenPort int) (string, error) {
	if listenPort <= 0 {
		return issuer, nil
	}

	parsed, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("invalid issuer URL: %w", err)
	}
	if parsed.Port() != "0" {
		return issuer, nil
	}

	host, _, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		return "", fmt.Errorf("failed to parse host:port from issuer URL: %w", err)
	}
	parsed.Host = net.JoinHostPort(host, strconv.Itoa(listenPort))
	return parsed.String(), nil
}

// buildClientConfigs converts RunConfig clients to authserver.ClientConfig.
func buildClientConfigs(envReader env.Reader, clients []ClientConfig) ([]authserver.ClientConfig, error) {
	result := make([]authserver.ClientConfig, len(clients))
	for i, c := range clients {
		out := authserver.ClientConfig{
			ID:            c.ID,
			SecretHash:    c.SecretHash,
			RedirectURIs:  c.RedirectURIs,
			Scopes:        c.Scopes,
			GrantTypes:    c.GrantTypes,
			ResponseTypes: c.ResponseTypes,
			Public:        c.Public,
		}
		if !c.Public && c.SecretHash == "" {
			secret, err := resolveClientSecret(envReader, c)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve secret for client %s: %w", c.ID, err)
			}
			out.Secret = secret
		}
		result[i] = out
	}
	return result, nil
}

// resolveClientSecret returns the plain secret of a confidential client from
// SecretFile, or from the environment variable named by SecretEnv.
func resolveClientSecret(envReader env.Reader, c ClientConfig) (string, error) {
	var secret string
	switch {
	case c.SecretFile != "":
		data, err := os.ReadFile(c.SecretFile) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read client secret file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	case c.SecretEnv != "":
		logger.Debugw("using client secret from environment variable", "client_id", c.ID, "env", c.SecretEnv)
		secret = envReader.Getenv(c.SecretEnv)
		if secret == "" {
			return "", fmt.Errorf("environment variable %s is empty", c.SecretEnv)
		}
	default:
		return "", fmt.Errorf("no client secret found: set secret_file, secret_env or secret_hash")
	}

	if len(secret) < MinClientSecretLength {
		return "", fmt.Errorf("client secret must be at least %d characters, got %d", MinClientSecretLength, len(secret))
	}
	return secret, nil
}

func readSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - file path is provided by user via config
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}
