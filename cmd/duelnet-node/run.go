package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"duelnet/internal/config"
	"duelnet/internal/daemon"
	"duelnet/internal/logging"
	"duelnet/internal/store"
)

func newRunCmd() *cobra.Command {
	var listen string
	var relayAddr string
	var peers []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			dests, err := parseDestinations(peers)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				if listen != "" {
					c.QUIC.Listen = listen
				}
				if relayAddr != "" {
					c.Relay.Addr = relayAddr
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

			st, err := store.Open(cfg.Node.DataDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			r, err := daemon.NewRunner(daemon.Options{
				Config: cfg,
				Store:  st,
				Log:    log,
				OnEvent: func(ev daemon.Event) {
					mu.Lock()
					defer mu.Unlock()
					printEvent(out, ev)
				},
			})
			if err != nil {
				return err
			}
			r.AddCandidates(dests...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info("starting node", zap.String("name", cfg.Node.Name), zap.Int("peers", len(dests)))
			return r.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override quic.listen")
	cmd.Flags().StringVar(&relayAddr, "relay", "", "Override relay.addr")
	cmd.Flags().StringArrayVar(&peers, "peer", nil, "Reachable peer destination, quic://host:port or relay://identity (repeatable)")
	return cmd
}
