// Package config loads the engine's YAML configuration, following
// leitfader-RFGuard's internal/config shape: a root Config of nested
// structs with yaml+json tags, sane defaults, and a Validate pass.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signaldetect/maude/internal/types"
)

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Registry   RegistryConfig   `json:"registry" yaml:"registry"`
	Thresholds ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int `json:"port" yaml:"port"`
}

// StoreConfig controls the event store connection.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "memory"
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RegistryConfig controls entity-group registry bootstrap.
type RegistryConfig struct {
	SeedBuiltIns       bool `json:"seed_built_ins" yaml:"seed_built_ins"`
	ExistenceProbeCache int `json:"existence_probe_cache" yaml:"existence_probe_cache"`
}

// ThresholdsConfig carries the default per-method classification
// thresholds and the aggregation gates, overridable per-request.
type ThresholdsConfig struct {
	ZScoreHigh          float64 `json:"zscore_high_threshold" yaml:"zscore_high_threshold"`
	ZScoreElevated      float64 `json:"zscore_elevated_threshold" yaml:"zscore_elevated_threshold"`
	PRRThreshold        float64 `json:"prr_threshold" yaml:"prr_threshold"`
	RORThreshold        float64 `json:"ror_threshold" yaml:"ror_threshold"`
	ChangePctHigh       float64 `json:"change_pct_high" yaml:"change_pct_high"`
	ChangePctElevated   float64 `json:"change_pct_elevated" yaml:"change_pct_elevated"`
	DefaultMinEvents    int     `json:"default_min_events" yaml:"default_min_events"`
	DefaultLimit        int     `json:"default_limit" yaml:"default_limit"`
	EstimatedLagMonths  int     `json:"estimated_lag_months" yaml:"estimated_lag_months"`
}

// AsTypes converts the config's threshold fields into types.Thresholds for
// use as the request-default baseline.
func (t ThresholdsConfig) AsTypes() types.Thresholds {
	return types.Thresholds{
		ZScoreHigh:        t.ZScoreHigh,
		ZScoreElevated:    t.ZScoreElevated,
		PRRThreshold:      t.PRRThreshold,
		RORThreshold:      t.RORThreshold,
		ChangePctHigh:     t.ChangePctHigh,
		ChangePctElevated: t.ChangePctElevated,
	}
}

// Default returns the documented defaults from spec's classifier and
// aggregator contracts.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Store:  StoreConfig{Driver: "sqlite", DSN: "file:signals.db?_pragma=foreign_keys(1)"},
		Registry: RegistryConfig{
			SeedBuiltIns:        true,
			ExistenceProbeCache: 4096,
		},
		Thresholds: ThresholdsConfig{
			ZScoreHigh:         2.0,
			ZScoreElevated:     1.0,
			PRRThreshold:       2.0,
			RORThreshold:       2.0,
			ChangePctHigh:      100.0,
			ChangePctElevated:  50.0,
			DefaultMinEvents:   10,
			DefaultLimit:       20,
			EstimatedLagMonths: 2,
		},
	}
}

// Load reads a YAML config file, applying defaults for anything it omits,
// then applies DATABASE_URL/PORT environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if trimmed := strings.TrimSpace(string(content)); trimmed != "" {
			if err := yaml.Unmarshal(content, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			cfg.Server.Port = v
		}
	}
}

// Validate checks the invariants a malformed config could violate before
// the server ever opens a connection.
func Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if cfg.Store.Driver != "sqlite" && cfg.Store.Driver != "memory" {
		return fmt.Errorf("store.driver must be sqlite or memory, got %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		return errors.New("store.dsn required when store.driver is sqlite")
	}
	if cfg.Thresholds.DefaultMinEvents < 1 {
		return errors.New("thresholds.default_min_events must be >= 1")
	}
	if cfg.Thresholds.DefaultLimit < 1 || cfg.Thresholds.DefaultLimit > 100 {
		return errors.New("thresholds.default_limit must be in [1, 100]")
	}
	if cfg.Thresholds.EstimatedLagMonths < 0 {
		return errors.New("thresholds.estimated_lag_months must be >= 0")
	}
	if cfg.Registry.ExistenceProbeCache <= 0 {
		return errors.New("registry.existence_probe_cache must be > 0")
	}
	return nil
}
