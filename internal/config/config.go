package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// maxBatchConcurrency caps the worker pool size so a misconfigured value
// cannot exhaust file handles or the remote service's connection limit.
const maxBatchConcurrency = 8

// Config holds all environment-based configuration for blueplm-sync.
type Config struct {
	// Vault root directory whose contents are tracked. Required.
	VaultDir string `env:"BLUEPLM_VAULT_DIR"`

	// Remote persistence service.
	RemoteURL string `env:"BLUEPLM_REMOTE_URL"`
	APIToken  string `env:"BLUEPLM_API_TOKEN"`

	// Identity of this client. UserID is required; MachineName defaults
	// to the system hostname. The stable machine id lives in the sidecar
	// store, not here, so renaming a host does not forfeit held locks.
	UserID      string `env:"BLUEPLM_USER"`
	MachineName string `env:"BLUEPLM_MACHINE_NAME"`

	// CAD-tool integration service endpoint (local IPC over loopback).
	CADServiceURL string `env:"BLUEPLM_CAD_URL" envDefault:"http://127.0.0.1:8741"`

	// Batch worker pool bound, shared across all batch kinds.
	BatchConcurrency int `env:"BLUEPLM_BATCH_CONCURRENCY" envDefault:"4"`

	// Subscribe to the remote change feed for cache invalidation.
	FeedEnabled bool `env:"BLUEPLM_FEED_ENABLED" envDefault:"true"`

	// Environment controls log format; LogLevel overrides its default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.MachineName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "blueplm-sync"
		}

		cfg.MachineName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve VaultDir to an absolute path at startup. Downstream code
	// relies on prefix comparison for traversal checks, which only works
	// reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.VaultDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vault dir to absolute path: %w", err)
	}

	cfg.VaultDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string

	if c.VaultDir == "" {
		missing = append(missing, "BLUEPLM_VAULT_DIR")
	}

	if c.RemoteURL == "" {
		missing = append(missing, "BLUEPLM_REMOTE_URL")
	}

	if c.UserID == "" {
		missing = append(missing, "BLUEPLM_USER")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BLUEPLM_BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency)
	}

	if c.BatchConcurrency > maxBatchConcurrency {
		c.BatchConcurrency = maxBatchConcurrency
	}

	return nil
}
