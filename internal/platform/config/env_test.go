package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	Debounce int `env:"TIDEPOOL_TEST_DEBOUNCE_MS" envDefault:"250"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Debounce != 250 {
		t.Fatalf("expected default debounce 250, got %d", cfg.Debounce)
	}
}

func TestParseEnvOverride(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TIDEPOOL_TEST_DEBOUNCE_MS", "10")

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Debounce != 10 {
		t.Fatalf("expected debounce 10, got %d", cfg.Debounce)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TIDEPOOL_TEST_DEBOUNCE_MS", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
