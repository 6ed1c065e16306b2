// Package cli wires the hearth command tree: the default daemon run,
// plus doctor and version.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/hearthlabs/hearth/internal/config"
)

// Shared CLI flags (used across command files).
var (
	cfgFile     string
	dataDirFlag string
	verbose     bool
	noConsole   bool
	noTelegram  bool
)

// baseConfig holds the embedded defaults loaded by main; commands layer
// file, env, and store values on top.
var baseConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags.
func SetupRootCmd(c *config.Config) *cobra.Command {
	baseConfig = c

	rootCmd := &cobra.Command{
		Use:   "hearth",
		Short: "Hearth - a personal agent that lives in your chats",
		Long: `Hearth is a personal AI agent daemon. It talks over Telegram and a
local console, remembers what matters, runs scheduled tasks, and can
spawn sub-agents for long work.

Just type 'hearth' to start the daemon.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/hearth.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "agent home (default: ~/.hearth, HEARTH_HOME wins)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.Flags().BoolVar(&noConsole, "no-console", false, "do not run the console REPL channel")
	rootCmd.Flags().BoolVar(&noTelegram, "no-telegram", false, "do not run the Telegram channel")

	rootCmd.AddCommand(VersionCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}
