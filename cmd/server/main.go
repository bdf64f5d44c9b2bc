package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michelhabib/phbgateway/internal/config"
	"github.com/michelhabib/phbgateway/internal/gateway"
	"github.com/michelhabib/phbgateway/internal/logging"
	"github.com/michelhabib/phbgateway/internal/statestore"
)

// argError marks a failure that should exit with code 2 (invalid arguments
// or configuration), as opposed to a runtime failure (exit code 1).
type argError struct{ err error }

func (e *argError) Error() string { return e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "phbgateway",
		Short: "Trust-anchored WebSocket relay gateway",
		Long: `phbgateway pairs a household desktop and its devices over a single
Ed25519 trust anchor, then relays authenticated frames between them. The
first desktop to connect claims the gateway; every device after that
proves itself with an attestation the desktop signed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Host, "host", cfg.Host, "address to bind the gateway's WebSocket listener")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "port to bind the gateway's WebSocket listener")
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory holding the gateway identity and desktop binding")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory for rotated log files (stdout logging always runs)")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug-level console logging")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "separate bind address for /metrics and /healthz (defaults to the gateway's own listener)")
	flags.IntVar(&cfg.RateLimitPerMinute, "rate-limit", cfg.RateLimitPerMinute, "max /ws upgrade attempts per minute per source IP (0 disables limiting)")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &argError{err: err}
	})

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run failure to the gateway's documented exit codes:
// 2 for invalid flags or configuration, 1 for everything else (bind failure, state
// directory errors).
func exitCodeFor(err error) int {
	var aerr *argError
	if errors.As(err, &aerr) {
		return 2
	}
	return 1
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return &argError{err: err}
	}

	log := logging.MustNew(logging.Options{Verbose: cfg.Verbose, LogDir: cfg.LogDir})
	defer log.Sync()

	store, err := statestore.LoadOrInit(cfg.StateDir, log)
	if err != nil {
		return fmt.Errorf("initialize state store: %w", err)
	}

	info := store.Stat()
	log.Info("gateway identity ready",
		zap.String("gateway_public_key", info.GatewayPublic),
		zap.Bool("claimed", info.Claimed))

	srv := gateway.New(cfg, store, log, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
