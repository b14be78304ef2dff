package config

import (
	"testing"
	"time"
)

func TestLoadSucceedsWithDefaults(t *testing.T) {
	t.Setenv("NPD_API_TOKEN", "tok")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.JiraStatusTTL != time.Hour {
		t.Fatalf("expected default Jira TTL 1h, got %s", cfg.JiraStatusTTL)
	}
}

func TestLoadRequiresAPIToken(t *testing.T) {
	t.Setenv("NPD_API_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail without NPD_API_TOKEN")
	}
}

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDurationOverride(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if v := envDuration("TEST_DUR", time.Minute); v != 90*time.Second {
		t.Fatalf("expected 90s, got %s", v)
	}
}

func TestValidateRejectsZeroBodyLimit(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://x", APIToken: "t", EmbeddingDimensions: 1024}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject a zero request body limit")
	}
}
