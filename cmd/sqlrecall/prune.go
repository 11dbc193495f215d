package main

import (
	"github.com/spf13/cobra"
)

// pruneResult is printed by the prune command.
type pruneResult struct {
	DBID    string `json:"db_id"`
	Removed int    `json:"removed"`
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune <db_id>",
		Short: "Prune a database's confirmed fixes down to the prune floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			removed, err := a.service.PruneConfirmedFixes(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), pruneResult{DBID: args[0], Removed: removed})
		},
	}
}
