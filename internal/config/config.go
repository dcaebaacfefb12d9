package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/user/agentherd/internal/types"
)

// ProviderConfig is the operator-controlled runtime policy for one provider.
type ProviderConfig struct {
	Enabled                bool `json:"enabled"`
	AllowBypassPermissions bool `json:"allow_bypass_permissions"`
}

type Config struct {
	DataDir            string `json:"data_dir"`
	LogLevel           string `json:"log_level"`
	MaxConcurrentRuns  int    `json:"max_concurrent_runs"`
	CancelGraceSeconds int    `json:"cancel_grace_seconds"`
	Discovery          struct {
		TTLSeconds          int `json:"ttl_seconds"`
		ProbeTimeoutSeconds int `json:"probe_timeout_seconds"`
	} `json:"discovery"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// Provider returns the config for p; unknown providers are disabled.
func (c *Config) Provider(p types.Provider) ProviderConfig {
	if pc, ok := c.Providers[string(p)]; ok {
		return pc
	}
	return ProviderConfig{}
}

// CancelGrace returns the cooperative-cancel grace period.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

// SnapshotTTL returns the availability cache time-to-live.
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Discovery.TTLSeconds) * time.Second
}

// ProbeTimeout returns the wall-clock budget for one discovery subprocess.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Discovery.ProbeTimeoutSeconds) * time.Second
}

// Load reads config from path, writing defaults on first run. A .env file in
// the working directory is loaded best-effort first; explicit environment
// variables take highest precedence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:            filepath.Join(os.Getenv("HOME"), ".agentherd"),
		LogLevel:           "info",
		MaxConcurrentRuns:  4,
		CancelGraceSeconds: 5,
		Providers: map[string]ProviderConfig{
			string(types.ProviderCodex):  {Enabled: true},
			string(types.ProviderClaude): {Enabled: true},
		},
	}
	cfg.Discovery.TTLSeconds = 30
	cfg.Discovery.ProbeTimeoutSeconds = 10

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if dataDir := os.Getenv("AGENTHERD_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if level := os.Getenv("AGENTHERD_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if raw := os.Getenv("AGENTHERD_MAX_CONCURRENT_RUNS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
