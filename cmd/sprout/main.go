package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sprout",
		Short: "Keep flashcards written in markdown notes in step with a review store",
		Long: `Sprout scans a vault of markdown notes for flashcards, gives every card a
stable anchor line (^sprout-<id>), and keeps a SQLite store of card records
and scheduling state in step with the text.

Settings come from, in increasing priority: built-in defaults, the YAML
config file (<data_dir>/config.yaml unless --config is given), SPROUT_*
environment variables (SPROUT_LOG__LEVEL sets log.level), and flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to the YAML config file")
	pf.String("vault", ".", "Directory holding the markdown notes")
	pf.String("data_dir", "", "Directory for the store, snapshots and backups")
	pf.String("db", "sprout.db", "SQLite store, relative to data_dir")
	pf.String("log.level", "info", "Log level: debug|info|warn|error")
	pf.String("log.format", "text", "Log format: text|json")
	pf.String("log.file", "", "Also write logs to this rotating file")
	pf.Int("concurrency", 8, "Parallel document reads")
	pf.String("git.remote", "", "Clone the vault from this git remote")

	rootCmd.AddCommand(
		newSyncCmd(),
		newWatchCmd(),
		newQuarantineCmd(),
		newGradeCmd(),
		newPullCmd(),
		newServeCmd(),
	)
	return rootCmd
}
