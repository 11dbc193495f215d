package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcpserver "github.com/fyrsmithlabs/sqlrecall/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools on stdio",
		Long: `Serve the retrieval and confirmed-fix tools over the Model Context
Protocol on stdin/stdout. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			cfg.Logging.Output = "stderr"

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			srv, err := mcpserver.NewServer(&mcpserver.Config{
				Name:    "sqlrecall",
				Version: version,
				Logger:  a.logger.Underlying().Named("mcp"),
			}, a.service)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
