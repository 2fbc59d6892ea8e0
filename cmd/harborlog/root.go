package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harborlog/harborlog/pkg/config"
	"github.com/harborlog/harborlog/pkg/credentials"
	"github.com/harborlog/harborlog/pkg/remote"
	"github.com/harborlog/harborlog/pkg/session"
	"github.com/harborlog/harborlog/pkg/syncer"
	"github.com/harborlog/harborlog/pkg/telemetry"
)

// Version is set via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "harborlog",
	Short: "Local session sync and telemetry agent",
	Long: `harborlog keeps local device session records reconciled with the
remote sync service and guarantees delivery of telemetry events across
network failures, restarts, and credential expiry.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Configuration file")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "harborlog.yaml"
	}
	return filepath.Join(home, ".harborlog", "config.yaml")
}

// agent bundles the wired components a command needs.
type agent struct {
	cfg    *config.Config
	store  session.Store
	client *remote.Client
	creds  *credentials.Manager
	syncer *syncer.Synchronizer
	queue  *telemetry.Queue
}

// buildAgent wires the full component graph from configuration.
func buildAgent() (*agent, error) {
	cfg := config.Load(configPath)

	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, _ = os.Hostname()
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL:      cfg.RemoteURL,
		AuthURL:      cfg.AuthURL,
		DeviceID:     deviceID,
		AgentVersion: Version,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create remote client: %w", err)
	}

	creds := credentials.NewManager(credentials.NewStore(cfg.DataDir), client)

	sync := syncer.New(store, client, creds, cfg.DataDir,
		syncer.WithMaxSessionsPerSync(cfg.MaxSessionsPerSync))

	queue := telemetry.NewQueue(client, creds, cfg.DataDir, telemetry.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxRetries:    cfg.MaxRetries,
		MaxQueueSize:  cfg.MaxQueueSize,
	})

	return &agent{
		cfg:    cfg,
		store:  store,
		client: client,
		creds:  creds,
		syncer: sync,
		queue:  queue,
	}, nil
}

func buildStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store {
	case "redis":
		return session.NewRedisStore(cfg.Redis)
	case "", "file":
		return session.NewFileStore(filepath.Join(cfg.DataDir, "sessions"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}
