//go:build linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ja7ad/pulse/pkg/agent"
	"github.com/ja7ad/pulse/pkg/config"
)

// Exit codes.
const (
	exitOK         = 0
	exitConfig     = 1
	exitNoSamplers = 2
	exitRuntime    = 3
)

type opts struct {
	configPath string
	listen     string
	shmDir     string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "pulse",
		Short: "High-resolution Linux systems telemetry agent",
		Long: `Pulse drives kernel probes and userspace counters on short intervals,
aggregates their observations into lock-free counters and log-linear
histograms, snapshots them on a fixed cadence into sliding windows, and
serves the published snapshot over HTTP (Prometheus text and a binary
msgpack scrape).

Examples:
  pulse --config /etc/pulse/pulse.yaml
  pulse --listen 127.0.0.1:4242`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().StringVarP(&o.configPath, "config", "c", "", "path to YAML configuration")
	root.Flags().StringVar(&o.listen, "listen", "", "override the exposition bind address")
	root.Flags().StringVar(&o.shmDir, "shm-dir", "", "override the probe shared-memory directory")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error(err.Error())
		os.Exit(exitCode(err))
	}
	os.Exit(exitOK)
}

func run(ctx context.Context, o opts) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return &configError{err}
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.shmDir != "" {
		cfg.ShmDir = o.shmDir
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	a, err := agent.New(cfg, log)
	if err != nil {
		return err
	}
	log.Info("agent started",
		"listen", cfg.Listen,
		"snapshot_interval", cfg.SnapshotInterval.Std().String())
	return a.Run(ctx)
}

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, agent.ErrNoSamplers):
		return exitNoSamplers
	default:
		return exitRuntime
	}
}

// configError marks configuration failures for exit-code mapping.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
