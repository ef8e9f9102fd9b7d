package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TradingConfigStore yields the trading configuration for one cycle.
type TradingConfigStore interface {
	Load(ctx context.Context) (TradingConfig, error)
}

// OverrideSource supplies persisted key/value overrides, typically the trading_config table.
type OverrideSource interface {
	TradingOverrides(ctx context.Context) (map[string]string, error)
}

// OverrideStore applies persisted overrides on top of a base configuration.
type OverrideStore struct {
	base TradingConfig
	src  OverrideSource
}

func NewOverrideStore(base TradingConfig, src OverrideSource) *OverrideStore {
	return &OverrideStore{base: base, src: src}
}

func (s *OverrideStore) Load(ctx context.Context) (TradingConfig, error) {
	overrides, err := s.src.TradingOverrides(ctx)
	if err != nil {
		return TradingConfig{}, fmt.Errorf("failed to read trading config overrides: %w", err)
	}
	cfg, err := ApplyOverrides(s.base, overrides)
	if err != nil {
		return TradingConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return TradingConfig{}, fmt.Errorf("invalid trading config: %w", err)
	}
	return cfg, nil
}

// FileStore re-reads a YAML file on every Load. Keys absent from the file keep base values.
type FileStore struct {
	path string
	base TradingConfig
}

func NewFileStore(path string, base TradingConfig) *FileStore {
	return &FileStore{path: path, base: base}
}

func (s *FileStore) Load(ctx context.Context) (TradingConfig, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return TradingConfig{}, fmt.Errorf("failed to read trading config file %s: %w", s.path, err)
	}
	cfg := s.base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return TradingConfig{}, fmt.Errorf("failed to parse trading config file %s: %w", s.path, err)
	}
	if err := cfg.Validate(); err != nil {
		return TradingConfig{}, fmt.Errorf("invalid trading config: %w", err)
	}
	return cfg, nil
}

// StaticStore always returns the same configuration.
type StaticStore struct {
	Config TradingConfig
}

func (s StaticStore) Load(ctx context.Context) (TradingConfig, error) {
	return s.Config, nil
}
