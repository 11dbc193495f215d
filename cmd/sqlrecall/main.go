// Sqlrecall serves few-shot SQL examples and confirmed query fixes to a
// query-correction agent.
//
// Usage:
//
//	# Load a corpus into the example index
//	sqlrecall ingest corpus.jsonl
//
//	# Serve the HTTP API
//	sqlrecall serve
//
//	# Serve MCP on stdio
//	sqlrecall mcp
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every subcommand.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sqlrecall",
		Short: "Example retrieval and confirmed-fix memory for SQL correction agents",
		Long: `sqlrecall selects structurally diverse few-shot examples for a natural
language question and remembers user-confirmed query fixes per database.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetVersionTemplate(fmt.Sprintf("sqlrecall %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/sqlrecall/config.yaml)")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newIngestCmd(),
		newPruneCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sqlrecall by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
