package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/agentherd/internal/cliproc"
	"github.com/user/agentherd/internal/config"
	"github.com/user/agentherd/internal/discovery"
	"github.com/user/agentherd/internal/manager"
	"github.com/user/agentherd/internal/state"
	"github.com/user/agentherd/internal/trust"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "agentherd",
	Short: "Launch and supervise coding-agent CLIs",
	Long: `agentherd discovers the codex and claude CLI binaries, verifies they are
trustworthy and authenticated, and supervises prompt runs against them.`,
	SilenceUsage: true,
}

func init() {
	defaultPath := filepath.Join(os.Getenv("HOME"), ".agentherd", "config.json")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultPath, "config file path")
}

// loadConfig loads the config file, exiting on failure. Commands call this
// instead of handling config errors individually.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildDiscovery wires the availability service from config.
func buildDiscovery(cfg *config.Config) *discovery.Service {
	return discovery.New(trust.DefaultPolicy(), cfg.SnapshotTTL(), cfg.ProbeTimeout())
}

// buildManager wires the full run stack: discovery, process adapters, and
// the run-history store under the data dir.
func buildManager(cfg *config.Config) (*manager.Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store := state.NewRunHistoryStore(filepath.Join(cfg.DataDir, "runs.json"))
	mgr := manager.New(cfg, buildDiscovery(cfg), cliproc.Factory(cfg.CancelGrace()), store)
	if err := mgr.Initialize(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
