// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runconfig loads the serializable configuration of the oidcserver
// binary and resolves it into the runtime configuration of its packages.
//
// A RunConfig holds file paths and environment variable names, never secrets.
// BuildConfig reads the referenced files and returns an authserver.Config.
package runconfig

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcserver/pkg/authserver/storage"
)

// EnvPrefix prefixes the environment variables overriding configuration keys,
// e.g. OIDCSERVER_SERVER_ADDRESS for server.address.
const EnvPrefix = "OIDCSERVER"

// Defaults for the server section.
const (
	DefaultAddress         = ":8080"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
)

// RunConfig is the file and environment configuration of the oidcserver binary.
type RunConfig struct {
	// Issuer is the issuer identifier. Port 0 is replaced by the listening port.
	Issuer string `mapstructure:"issuer" yaml:"issuer" validate:"required,url"`

	// SecretFile holds the token sealing secret (at least 32 bytes).
	SecretFile string `mapstructure:"secret_file" yaml:"secret_file" validate:"required"`

	// RotatedSecretFiles hold previous secrets, accepted for validation only.
	RotatedSecretFiles []string `mapstructure:"rotated_secret_files" yaml:"rotated_secret_files,omitempty" validate:"dive,required"`

	AuthorizationCodeLifespan time.Duration `mapstructure:"authorization_code_lifespan" yaml:"authorization_code_lifespan,omitempty" validate:"gte=0"`
	AccessTokenLifespan       time.Duration `mapstructure:"access_token_lifespan" yaml:"access_token_lifespan,omitempty" validate:"gte=0"`
	RefreshTokenLifespan      time.Duration `mapstructure:"refresh_token_lifespan" yaml:"refresh_token_lifespan,omitempty" validate:"gte=0"`
	IDTokenLifespan           time.Duration `mapstructure:"id_token_lifespan" yaml:"id_token_lifespan,omitempty" validate:"gte=0"`

	//nolint:lll
	IDTokenSigningAlgorithm string `mapstructure:"id_token_signing_algorithm" yaml:"id_token_signing_algorithm,omitempty" validate:"omitempty,oneof=RS256 RS384 RS512 PS256 PS384 PS512 ES256 ES384 ES512 HS256 HS384 HS512"`

	ScopesSupported  []string `mapstructure:"scopes_supported" yaml:"scopes_supported,omitempty"`
	AllowedAudiences []string `mapstructure:"allowed_audiences" yaml:"allowed_audiences,omitempty" validate:"dive,url"`

	AllowPlainPKCE      bool `mapstructure:"allow_plain_pkce" yaml:"allow_plain_pkce,omitempty"`
	RequirePKCE         bool `mapstructure:"require_pkce" yaml:"require_pkce,omitempty"`
	RotateRefreshTokens bool `mapstructure:"rotate_refresh_tokens" yaml:"rotate_refresh_tokens,omitempty"`

	BCryptCost int `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost,omitempty" validate:"omitempty,min=4,max=31"`

	Clients []ClientConfig `mapstructure:"clients" yaml:"clients,omitempty" validate:"dive"`

	Keys      KeysConfig        `mapstructure:"keys" yaml:"keys"`
	Storage   storage.RunConfig `mapstructure:"storage" yaml:"storage"`
	Server    ServerConfig      `mapstructure:"server" yaml:"server"`
	Telemetry TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// ClientConfig is a pre-registered client. Confidential clients take their
// secret from exactly one of SecretFile, SecretEnv or SecretHash.
type ClientConfig struct {
	ID           string   `mapstructure:"id" yaml:"id" validate:"required"`
	SecretFile   string   `mapstructure:"secret_file" yaml:"secret_file,omitempty"`
	SecretEnv    string   `mapstructure:"secret_env" yaml:"secret_env,omitempty"`
	SecretHash   string   `mapstructure:"secret_hash" yaml:"secret_hash,omitempty"`
	RedirectURIs []string `mapstructure:"redirect_uris" yaml:"redirect_uris,omitempty" validate:"dive,url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes,omitempty"`
	//nolint:lll
	GrantTypes    []string `mapstructure:"grant_types" yaml:"grant_types,omitempty" validate:"dive,oneof=authorization_code refresh_token client_credentials"`
	ResponseTypes []string `mapstructure:"response_types" yaml:"response_types,omitempty"`
	Public        bool     `mapstructure:"public" yaml:"public,omitempty"`
}

// KeysConfig selects the signing key sources. See keys.Config.
type KeysConfig struct {
	KeyDir              string   `mapstructure:"key_dir" yaml:"key_dir,omitempty"`
	SigningKeyFile      string   `mapstructure:"signing_key_file" yaml:"signing_key_file,omitempty"`
	SigningKeyAlgorithm string   `mapstructure:"signing_key_algorithm" yaml:"signing_key_algorithm,omitempty"`
	FallbackKeyFiles    []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files,omitempty"`
	JWKSFile            string   `mapstructure:"jwks_file" yaml:"jwks_file,omitempty"`
	SymmetricKeyFile    string   `mapstructure:"symmetric_key_file" yaml:"symmetric_key_file,omitempty"`
	SymmetricKeyID      string   `mapstructure:"symmetric_key_id" yaml:"symmetric_key_id,omitempty"`
	//nolint:lll
	SymmetricAlgorithm string `mapstructure:"symmetric_algorithm" yaml:"symmetric_algorithm,omitempty" validate:"omitempty,oneof=HS256 HS384 HS512"`
	GenerateAlgorithm  string `mapstructure:"generate_algorithm" yaml:"generate_algorithm,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`
}

// TelemetryConfig configures metrics. See telemetry.Config.
type TelemetryConfig struct {
	ServiceName           string            `mapstructure:"service_name" yaml:"service_name" validate:"required"`
	ServiceVersion        string            `mapstructure:"service_version" yaml:"service_version,omitempty"`
	EnableMetricsPath     bool              `mapstructure:"enable_metrics_path" yaml:"enable_metrics_path"`
	IncludeRuntimeMetrics bool              `mapstructure:"include_runtime_metrics" yaml:"include_runtime_metrics,omitempty"`
	CustomAttributes      map[string]string `mapstructure:"custom_attributes" yaml:"custom_attributes,omitempty"`
	// Attributes are "key=value" pairs separated by commas, merged over
	// CustomAttributes. Convenient from OIDCSERVER_TELEMETRY_ATTRIBUTES.
	Attributes string `mapstructure:"attributes" yaml:"attributes,omitempty"`
}

// NewViper returns a viper instance carrying the defaults and reading
// OIDCSERVER_ prefixed environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys must be known to viper for environment overrides to reach Unmarshal.
	v.SetDefault("issuer", "")
	v.SetDefault("secret_file", "")
	v.SetDefault("id_token_signing_algorithm", "")
	v.SetDefault("keys.key_dir", "")
	v.SetDefault("keys.signing_key_file", "")
	v.SetDefault("keys.jwks_file", "")
	v.SetDefault("keys.symmetric_key_file", "")
	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.read_timeout", DefaultReadTimeout)
	v.SetDefault("server.write_timeout", DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", DefaultIdleTimeout)
	v.SetDefault("telemetry.service_name", "oidcserver")
	v.SetDefault("telemetry.enable_metrics_path", false)
	v.SetDefault("telemetry.attributes", "")
	return v
}

// Load reads the YAML file at path (when set) into v and decodes the result.
// The returned configuration has been validated.
func Load(v *viper.Viper, path string) (*RunConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &RunConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and the secret source of every client.
func (c *RunConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Storage.Type == string(storage.TypeRedis) && c.Storage.Redis == nil {
		return errors.New("storage.redis is required when storage.type is redis")
	}

	for i, client := range c.Clients {
		sources := 0
		for _, s := range []string{client.SecretFile, client.SecretEnv, client.SecretHash} {
			if s != "" {
				sources++
			}
		}
		switch {
		case client.Public && sources > 0:
			return fmt.Errorf("clients[%d]: public client %s must not have a secret", i, client.ID)
		case !client.Public && sources == 0:
			return fmt.Errorf("clients[%d]: confidential client %s needs secret_file, secret_env or secret_hash", i, client.ID)
		case sources > 1:
			return fmt.Errorf("clients[%d]: client %s has more than one secret source", i, client.ID)
		}
	}
	return nil
}
