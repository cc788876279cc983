// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server or Sentinel deployment.
	TypeRedis Type = "redis"

	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// Redis is required when Type is TypeRedis.
	Redis *RedisConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// New creates the backend selected by cfg. A nil cfg selects memory storage.
func New(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStorage(), nil
	case TypeRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis storage requires redis configuration")
		}
		return NewRedisStorage(ctx, *cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// RunConfig is the serializable storage configuration.
type RunConfig struct {
	// Type specifies the storage backend type. Defaults to "memory".
	Type string `json:"type,omitempty" yaml:"type,omitempty" mapstructure:"type" validate:"omitempty,oneof=memory redis"`

	// Redis configures the redis backend.
	Redis *RedisRunConfig `json:"redis,omitempty" yaml:"redis,omitempty" mapstructure:"redis"`
}

// RedisRunConfig is the serializable form of RedisConfig. The password is read from a file.
type RedisRunConfig struct {
	Addr          string   `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`
	MasterName    string   `json:"master_name,omitempty" yaml:"master_name,omitempty" mapstructure:"master_name"`
	SentinelAddrs []string `json:"sentinel_addrs,omitempty" yaml:"sentinel_addrs,omitempty" mapstructure:"sentinel_addrs"`
	DB            int      `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	PasswordFile  string   `json:"password_file,omitempty" yaml:"password_file,omitempty" mapstructure:"password_file"`
	KeyPrefix     string   `json:"key_prefix" yaml:"key_prefix" mapstructure:"key_prefix" validate:"required"`
}
