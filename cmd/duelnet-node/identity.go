package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"duelnet/internal/daemon"
	"duelnet/internal/outbox"
	"duelnet/internal/store"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show how peers see this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Node.DataDir)
			if err != nil {
				return err
			}
			own := st.OwnIdentity()
			if own == "" {
				own = "unknown"
			}
			relayID, fallback := st.RelayIdentity()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "own: %s\n", own)
			if relayID != "" || fallback != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "relay: %s (fallback %s)\n", relayID, fallback)
			}
			return nil
		},
	}
	cmd.AddCommand(newIdentityQueryCmd())
	return cmd
}

func newIdentityQueryCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query <dest>",
		Short: "Ask a peer how it sees this node and remember the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := outbox.ParseDestination(args[0])
			if err != nil {
				return err
			}
			ev, err := runExchange(cmd, exchange{
				dest:    dest,
				timeout: timeout,
				submit:  func(r *daemon.Runner) bool { return r.QueryIdentity(dest) },
				settles: func(ev daemon.Event) bool {
					return unreachable(dest, ev) || (ev.Kind == daemon.EventIdentityResolved && ev.Dest == dest)
				},
			})
			if err != nil {
				return err
			}
			if err := failed(ev); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), ev.Identity)
			return nil
		},
	}
	addTimeoutFlag(cmd, &timeout)
	return cmd
}
