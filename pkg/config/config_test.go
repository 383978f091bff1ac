package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Workflow.MaxConcurrentWorkflows != 100 {
		t.Errorf("MaxConcurrentWorkflows = %d, want 100", cfg.Workflow.MaxConcurrentWorkflows)
	}
	if cfg.Blackboard.NamespaceTTLs["flights"] != 5*time.Minute {
		t.Errorf("flights TTL = %v, want 5m", cfg.Blackboard.NamespaceTTLs["flights"])
	}
	if cfg.Blackboard.NamespaceTTLs["hotels"] != 30*time.Minute {
		t.Errorf("hotels TTL = %v, want 30m", cfg.Blackboard.NamespaceTTLs["hotels"])
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "workflow:\n  max_concurrent_workflows: 7\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Workflow.MaxConcurrentWorkflows != 7 {
		t.Errorf("MaxConcurrentWorkflows = %d, want 7", cfg.Workflow.MaxConcurrentWorkflows)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	// Unspecified sections keep their defaults.
	if cfg.Blackboard.NamespaceTTLs["cars"] != 12*time.Hour {
		t.Errorf("cars TTL = %v, want 12h", cfg.Blackboard.NamespaceTTLs["cars"])
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Workflow.MaxConcurrentWorkflows != 100 {
		t.Errorf("expected defaults preserved, got %d", cfg.Workflow.MaxConcurrentWorkflows)
	}
}
