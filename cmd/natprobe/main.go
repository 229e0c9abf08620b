package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2gc-dev/natprobe/pkg/config"
	"github.com/2gc-dev/natprobe/pkg/errors"
	"github.com/2gc-dev/natprobe/pkg/logging"
	"github.com/2gc-dev/natprobe/pkg/metrics"
	"github.com/2gc-dev/natprobe/pkg/session"
	"github.com/2gc-dev/natprobe/pkg/types"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "natprobe [flags] <server>",
		Short: "NAT behaviour discovery client",
		Long: "Characterises the NAT in front of this host against a STUN/TURN server: " +
			"binding discovery, mapping and filtering behaviour, hairpinning, binding " +
			"lifetime, ALG detection, TURN relay allocation and ICE candidate gathering. " +
			"With -I, input on stdin prints the ICE session.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			showVersion(cmd.OutOrStdout())
		},
	})

	return rootCmd
}

func run(cmd *cobra.Command, opts *options, server string) error {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := opts.apply(cmd.Flags(), server, cfg); err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	logger.Debug("Starting natprobe", "version", version, "os", runtime.GOOS, "arch", runtime.GOARCH)

	m := newMetrics(cfg.Metrics, runID, logger.Named("metrics"))
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	logger.Debug("Metrics configured", "metrics", m.GetMetrics())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			logger.Warn("Failed to stop metrics", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(cfg,
		session.WithLogger(logger),
		session.WithRecorder(m),
		session.WithOutput(os.Stderr),
	)
	go watchStdin(os.Stdin, sess.RequestDebug)

	if err := sess.Run(ctx); err != nil {
		if errors.IsFatal(err) {
			return err
		}
		logger.Warn("Run ended with error", "error", err)
	}
	return nil
}

func newMetrics(c types.MetricsConfig, runID string, logger *logging.Logger) *metrics.Metrics {
	if c.PushgatewayURL == "" {
		return metrics.NewMetrics(c.Enabled, c.PrometheusPort, logger)
	}
	return metrics.NewMetricsWithPushgateway(c.Enabled, c.PrometheusPort, &metrics.PushgatewayConfig{
		Enabled:      true,
		URL:          c.PushgatewayURL,
		JobName:      c.JobName,
		Instance:     runID,
		PushInterval: c.PushInterval,
	}, logger)
}

// watchStdin calls debug once per byte read until r is exhausted. On a
// terminal in line mode every key typed before Enter counts.
func watchStdin(r io.Reader, debug func()) {
	br := bufio.NewReader(r)
	for {
		if _, err := br.ReadByte(); err != nil {
			return
		}
		debug()
	}
}

func showVersion(w io.Writer) {
	fmt.Fprintf(w, "natprobe %s\n", version)
	fmt.Fprintf(w, "Build time: %s\n", buildTime)
	fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
