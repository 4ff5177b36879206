package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"duelnet/internal/store"
)

func newInboxCmd() *cobra.Command {
	var limit int
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "inbox [game-id]",
		Short: "List accepted game messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var game uint32
			if len(args) == 1 {
				id, err := parseGameID(args[0])
				if err != nil {
					return err
				}
				game = id
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Node.DataDir)
			if err != nil {
				return err
			}
			entries, err := st.Inbox(game)
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no inbox messages")
				return nil
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s game=%d from=%s body=%q\n",
					e.At.UTC().Format(time.RFC3339), e.GameID, e.From, e.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Max number of entries, newest kept (<=0 means all)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}
