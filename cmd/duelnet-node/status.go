package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"duelnet/internal/store"
)

func newStatusCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local identity, games and the last metrics snapshot",
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
			relayID, _ := st.RelayIdentity()
			games := st.Games()
			active := 0
			for _, g := range games {
				if g.Status == store.GameActive {
					active++
				}
			}
			snap := readMetricsSnapshot(cfg.Metrics.SnapshotPath)
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"data_dir":       cfg.Node.DataDir,
					"own_identity":   st.OwnIdentity(),
					"relay_identity": relayID,
					"games":          games,
					"metrics":        snap,
				})
			}
			out := cmd.OutOrStdout()
			own := st.OwnIdentity()
			if own == "" {
				own = "unknown"
			}
			_, _ = fmt.Fprintf(out, "data dir: %s\n", cfg.Node.DataDir)
			_, _ = fmt.Fprintf(out, "own identity: %s\n", own)
			if relayID != "" {
				_, _ = fmt.Fprintf(out, "relay identity: %s\n", relayID)
			}
			_, _ = fmt.Fprintf(out, "games: %d active, %d total\n", active, len(games))
			if snap.GeneratedAt.IsZero() {
				_, _ = fmt.Fprintln(out, "metrics: no snapshot")
				return nil
			}
			_, _ = fmt.Fprintf(out, "metrics as of %s:\n", snap.GeneratedAt.Format("2006-01-02 15:04:05Z07:00"))
			_, _ = fmt.Fprintf(out, "  outbox: enqueued=%d acked=%d deduped=%d rejected_oversize=%d rejected_no_route=%d\n",
				snap.Outbox.Enqueued, snap.Outbox.Acked, snap.Outbox.Deduped, snap.Outbox.RejectedOversize, snap.Outbox.RejectedNoRoute)
			_, _ = fmt.Fprintf(out, "  transport: batches=%d open_failures=%d send_failures=%d partial=%d bad_proto=%d\n",
				snap.Transport.SentBatches, snap.Transport.OpenFailures, snap.Transport.SendFailures,
				snap.Transport.PartialAcks, snap.Transport.BadProto)
			_, _ = fmt.Fprintf(out, "  inbound: commands=%d conns=%d\n", snap.Inbound.Commands, snap.Inbound.CurrentConns)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
