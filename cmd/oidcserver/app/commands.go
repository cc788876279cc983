// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the commands of the oidcserver binary.
package app

import (
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/oidcserver/pkg/authserver/runconfig"
	"github.com/stacklok/oidcserver/pkg/authserver/server/keys"
	"github.com/stacklok/oidcserver/pkg/logger"
	"github.com/stacklok/oidcserver/pkg/versions"
)

// NewRootCmd creates the root command of the oidcserver binary.
func NewRootCmd() *cobra.Command {
	v := runconfig.NewViper()

	rootCmd := &cobra.Command{
		Use:               "oidcserver",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 and OpenID Connect authorization server",
		Long: `oidcserver issues authorization codes, access tokens, refresh tokens and
identity tokens to pre-registered clients, and publishes its signing keys and
discovery document.

Configuration is read from a YAML file (--config) and OIDCSERVER_ prefixed
environment variables, e.g. OIDCSERVER_SERVER_ADDRESS overrides server.address.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize(v.GetBool("debug"))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newValidateCmd(v))
	rootCmd.AddCommand(newJWKSCmd(v))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig reads the file named by the config flag and the environment.
func loadConfig(v *viper.Viper) (*runconfig.RunConfig, error) {
	path := v.GetString("config")
	logger.Debugw("loading configuration", "path", path)
	cfg, err := runconfig.Load(v, path)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	var printConfig bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and environment.

This command checks:
- YAML syntax validity
- Required fields presence
- Secret, client secret and signing key files are readable
- The resolved server configuration is consistent`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			resolved, err := runconfig.BuildConfig(cfg, 0)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			if _, err := keys.NewManagerFromProviders(cmd.Context(), resolved.KeyProviders); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infow("configuration is valid",
				"issuer", resolved.Issuer,
				"clients", len(resolved.Clients),
				"key_providers", len(resolved.KeyProviders),
				"storage", cfg.Storage.Type,
			)
			if printConfig {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("failed to encode configuration: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "Print the effective configuration as YAML")
	return cmd
}

func newJWKSCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the public signing keys",
		Long: `Load the configured signing keys and print the JWK Set the server publishes.
Private key material is never printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			providers, err := keys.NewProvidersFromConfig(cfg.Keys.ToKeysConfig())
			if err != nil {
				return fmt.Errorf("failed to create key providers: %w", err)
			}
			km, err := keys.NewManagerFromProviders(cmd.Context(), providers)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(jose.JSONWebKeySet{Keys: km.PublishableKeys()})
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(),
				"Version: %s\nCommit: %s\nBuilt: %s\nGo version: %s\nPlatform: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version information as JSON")
	return cmd
}
