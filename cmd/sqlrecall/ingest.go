package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <corpus.jsonl>",
		Short: "Load a JSONL corpus into the example index",
		Long: `Analyze every record of a JSONL corpus and store it in the example
index. Each line holds one record with db_id, intent, sql and tree.
Records that cannot be decoded or analyzed are skipped and counted.

Examples:
  sqlrecall ingest train.jsonl
  cat train.jsonl | sqlrecall ingest -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening corpus: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			ingester, err := a.newIngester()
			if err != nil {
				return err
			}
			report, err := ingester.Ingest(ctx, in)
			if err != nil {
				return fmt.Errorf("ingesting %s: %w", args[0], err)
			}
			a.logger.Underlying().Info("corpus ingested",
				zap.String("source", args[0]),
				zap.Int("indexed", report.Indexed),
				zap.Int("skipped", report.Skipped),
			)
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
