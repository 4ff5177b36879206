package main

import (
	"strings"

	"github.com/spf13/cobra"

	"duelnet/internal/config"
	"duelnet/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "duelnet-node",
		Short:         "Peer-to-peer game message delivery node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				return nil
			}
			_, err := logging.ParseLevel(level)
			return err
		},
	}
	cmd.PersistentFlags().String("config", "", "Config file (default $DUELNET_CONFIG or ./duelnet.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "Override node.data_dir")
	cmd.PersistentFlags().String("log-level", "", "Override log.level: debug|info|warn|error")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newInviteCmd())
	cmd.AddCommand(newGoneCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newInboxCmd())
	cmd.AddCommand(newIdentityCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// loadConfig resolves the configuration for cmd, applying the persistent
// flag overrides and then extra.
func loadConfig(cmd *cobra.Command, extra ...func(*config.Config)) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	level, _ := cmd.Flags().GetString("log-level")
	overrides := []func(*config.Config){func(c *config.Config) {
		if d := strings.TrimSpace(dataDir); d != "" {
			c.Node.DataDir = d
		}
		if level != "" {
			c.Log.Level = level
		}
	}}
	return config.Load(path, append(overrides, extra...)...)
}
