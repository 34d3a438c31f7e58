// Package config provides configuration management for sessiond.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the sessiond control plane.
type Config struct {
	// Addr is the address the HTTP/WebSocket server listens on (e.g., ":7080").
	Addr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// WorktreesDir is the directory under which session worktrees are created.
	WorktreesDir string

	// SandboxImage is the base sandbox container image name.
	SandboxImage string

	// SandboxNetwork is the container network sandboxes attach to.
	SandboxNetwork string

	// SandboxCPULimit is the CPU share limit applied to each sandbox (e.g. "2").
	SandboxCPULimit string

	// SandboxMemoryLimitMB is the memory limit applied to each sandbox, in MiB.
	SandboxMemoryLimitMB int

	// SandboxCredDir, if set, is read-only mounted into every sandbox.
	SandboxCredDir string

	// LLMAPIKeys are the LLM provider API keys present in the environment,
	// keyed by env var name, forwarded verbatim into sandbox environments.
	LLMAPIKeys map[string]string

	// InactivityTimeout is how long a session with no connected clients may
	// sit idle before its sandbox is stopped.
	InactivityTimeout time.Duration

	// HeartbeatInterval is how often the watchdog checks for a missed
	// heartbeat once a sandbox bridge has registered.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is the staleness threshold past which a sandbox with
	// no recent heartbeat is considered dead.
	HeartbeatTimeout time.Duration
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	worktreesDir := envOr("WORKTREES_DIR", filepath.Join(dataDir, "worktrees"))
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktrees directory: %w", err)
	}

	cfg := &Config{
		Addr:                 envOr("HOST", "") + ":" + envOr("PORT", "7080"),
		DataDir:              dataDir,
		DatabasePath:         filepath.Join(dataDir, "sessiond.db"),
		WorktreesDir:         worktreesDir,
		SandboxImage:         envOr("SANDBOX_IMAGE", "sessiond-sandbox"),
		SandboxNetwork:       envOr("SANDBOX_NETWORK", "sessiond-net"),
		SandboxCPULimit:      envOr("SANDBOX_CPU_LIMIT", "2"),
		SandboxMemoryLimitMB: envOrInt("SANDBOX_MEMORY_LIMIT_MB", 4096),
		SandboxCredDir:       os.Getenv("SANDBOX_CRED_DIR"),
		LLMAPIKeys:           llmAPIKeys(),
		InactivityTimeout:    envOrDuration("SESSION_INACTIVITY_TIMEOUT", 10*time.Minute),
		HeartbeatInterval:    envOrDuration("SESSION_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:     envOrDuration("SESSION_HEARTBEAT_TIMEOUT", 90*time.Second),
	}

	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.SandboxImage == "" {
		return fmt.Errorf("sandbox image must not be empty")
	}
	if c.SandboxMemoryLimitMB <= 0 {
		return fmt.Errorf("sandbox memory limit must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must exceed heartbeat interval")
	}
	return nil
}

// llmAPIKeys collects the well-known LLM provider API keys present in the
// environment, keyed by env var name, for the global secret overlay applied
// to every sandbox (see model.SecretScopeGlobal).
func llmAPIKeys() map[string]string {
	keys := map[string]string{}
	for _, name := range []string{
		"ANTHROPIC_API_KEY",
		"OPENAI_API_KEY",
		"OPENCODE_API_KEY",
	} {
		if v := os.Getenv(name); v != "" {
			keys[name] = v
		}
	}
	return keys
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessiond"
	}
	return filepath.Join(home, ".sessiond")
}
