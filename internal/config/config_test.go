package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	dataDir := t.TempDir()
	withEnv(t, "DATA_DIR", dataDir)
	withEnv(t, "PORT", "")
	withEnv(t, "HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":7080" {
		t.Errorf("expected default addr ':7080', got %q", cfg.Addr)
	}
	if cfg.SandboxImage != "sessiond-sandbox" {
		t.Errorf("expected default sandbox image, got %q", cfg.SandboxImage)
	}
	if cfg.SandboxMemoryLimitMB != 4096 {
		t.Errorf("expected default memory limit 4096, got %d", cfg.SandboxMemoryLimitMB)
	}
	if cfg.InactivityTimeout != 10*time.Minute {
		t.Errorf("expected default inactivity timeout 10m, got %v", cfg.InactivityTimeout)
	}

	if _, err := os.Stat(cfg.WorktreesDir); err != nil {
		t.Errorf("expected worktrees dir to be created: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	dataDir := t.TempDir()
	withEnv(t, "DATA_DIR", dataDir)
	withEnv(t, "PORT", "9999")
	withEnv(t, "HOST", "127.0.0.1")
	withEnv(t, "SANDBOX_MEMORY_LIMIT_MB", "2048")
	withEnv(t, "SESSION_HEARTBEAT_TIMEOUT", "45s")
	withEnv(t, "ANTHROPIC_API_KEY", "sk-test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != "127.0.0.1:9999" {
		t.Errorf("expected addr '127.0.0.1:9999', got %q", cfg.Addr)
	}
	if cfg.SandboxMemoryLimitMB != 2048 {
		t.Errorf("expected memory limit 2048, got %d", cfg.SandboxMemoryLimitMB)
	}
	if cfg.HeartbeatTimeout != 45*time.Second {
		t.Errorf("expected heartbeat timeout 45s, got %v", cfg.HeartbeatTimeout)
	}
	if cfg.LLMAPIKeys["ANTHROPIC_API_KEY"] != "sk-test-key" {
		t.Errorf("expected ANTHROPIC_API_KEY to be forwarded, got %q", cfg.LLMAPIKeys["ANTHROPIC_API_KEY"])
	}
	if cfg.DatabasePath != filepath.Join(dataDir, "sessiond.db") {
		t.Errorf("unexpected database path %q", cfg.DatabasePath)
	}
}

func TestValidateRejectsBadHeartbeatWindow(t *testing.T) {
	cfg := &Config{
		SandboxImage:         "img",
		SandboxMemoryLimitMB: 1024,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when heartbeat timeout <= interval")
	}
}

func TestValidateRejectsEmptyImage(t *testing.T) {
	cfg := &Config{SandboxMemoryLimitMB: 1024, HeartbeatInterval: time.Second, HeartbeatTimeout: 2 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty sandbox image")
	}
}
