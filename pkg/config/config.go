// Package config loads tripsaga's runtime configuration from a YAML file
// and environment variables, the way the teacher codebase loads its
// service configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/tripsaga/pkg/logger"
)

// WorkflowConfig controls the workflow engine's admission and sweep
// policy.
type WorkflowConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows" env:"WORKFLOW_MAX_CONCURRENT"`
	MaxWorkflowAge         time.Duration `yaml:"max_workflow_age" env:"WORKFLOW_MAX_AGE"`
	SLASweepInterval       time.Duration `yaml:"sla_sweep_interval" env:"WORKFLOW_SLA_SWEEP_INTERVAL"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval" env:"WORKFLOW_CLEANUP_INTERVAL"`
}

// BlackboardConfig controls the blackboard's TTL sweep cadence and the
// per-namespace/key-pattern default TTL table.
type BlackboardConfig struct {
	TTLSweepInterval time.Duration            `yaml:"ttl_sweep_interval" env:"BLACKBOARD_TTL_SWEEP_INTERVAL"`
	NamespaceTTLs    map[string]time.Duration `yaml:"namespace_ttls"`
}

// MetricsConfig controls the ambient /metrics surface.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" env:"METRICS_ADDR"`
}

// Config is the top-level configuration structure for cmd/planner.
type Config struct {
	Logging    logger.Config    `yaml:"logging"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Blackboard BlackboardConfig `yaml:"blackboard"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// New returns a configuration populated with the runtime's defaults,
// matching spec.md's default TTL table and SLA cadence.
func New() *Config {
	return &Config{
		Logging: logger.DefaultConfig(),
		Workflow: WorkflowConfig{
			MaxConcurrentWorkflows: 100,
			MaxWorkflowAge:         24 * time.Hour,
			SLASweepInterval:       30 * time.Second,
			CleanupInterval:        time.Minute,
		},
		Blackboard: BlackboardConfig{
			TTLSweepInterval: time.Minute,
			NamespaceTTLs: map[string]time.Duration{
				"flights":     5 * time.Minute,
				"hotels":      30 * time.Minute,
				"activities":  24 * time.Hour,
				"restaurants": 24 * time.Hour,
				"cars":        12 * time.Hour,
				"candidates":  5 * time.Minute,
				"selections":  30 * time.Minute,
				"media":       24 * time.Hour,
				"cache":       time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Load loads configuration from an optional CONFIG_FILE path (or
// configs/config.yaml if present) and then applies environment
// variable overrides, matching the teacher's Load() precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, bypassing environment
// overrides. Used by tests that want a deterministic config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
