package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duelnet/internal/config"
	"duelnet/internal/logging"
	"duelnet/internal/metrics"
	"duelnet/internal/pprofutil"
	"duelnet/internal/relay"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "duelnet-relay",
		Short:         "Rendezvous relay for duelnet nodes behind NAT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "Config file (default $DUELNET_CONFIG or ./duelnet.yaml)")
	cmd.PersistentFlags().String("log-level", "", "Override log.level: debug|info|warn|error")
	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	var listen string
	var statusEvery time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve relay traffic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			level, _ := cmd.Flags().GetString("log-level")
			cfg, err := config.Load(path, func(c *config.Config) {
				if listen != "" {
					c.Relay.Listen = listen
				}
				if level != "" {
					c.Log.Level = level
				}
			})
			if err != nil {
				return err
			}
			log, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log, cmd.OutOrStdout(), statusEvery)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override relay.listen")
	cmd.Flags().DurationVar(&statusEvery, "status-every", time.Minute, "Log the device table at this interval (0 disables)")
	return cmd
}

// serve runs the relay server until ctx ends. It prints the bound address
// once listening.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, out io.Writer, statusEvery time.Duration) error {
	m := metrics.New()
	srv, err := relay.ListenServer(relay.ServerOptions{
		Addr:         cfg.Relay.Listen,
		KeepAlive:    cfg.Relay.KeepAlive,
		MailboxLimit: cfg.Relay.MailboxLimit,
		Log:          log,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", cfg.Relay.Listen, err)
	}
	_, _ = fmt.Fprintf(out, "READY addr=%s\n", srv.Addr())
	if cfg.Metrics.SnapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Metrics.SnapshotPath), 0o700); err != nil {
			log.Warn("metrics snapshots disabled", zap.Error(err))
			cfg.Metrics.SnapshotPath = ""
		}
	}

	dbg, err := pprofutil.Start(cfg.Debug, m, log)
	if err != nil {
		log.Warn("pprof disabled", zap.Error(err))
	}
	if dbg != nil {
		defer dbg.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		return m.RunSnapshots(gctx, cfg.Metrics.SnapshotPath, cfg.Metrics.Interval, log)
	})
	if statusEvery > 0 {
		g.Go(func() error {
			t := time.NewTicker(statusEvery)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					devices := srv.Devices()
					held := 0
					for _, d := range devices {
						held += d.Mailbox
					}
					log.Info("relay status", zap.Int("devices", len(devices)), zap.Int("mailbox", held))
				}
			}
		})
	}
	return g.Wait()
}
