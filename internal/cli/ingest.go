package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sketch/internal/ingest"
	"sketch/internal/staging"
)

type ingestOptions struct {
	source    string
	pattern   string
	partition string
	batchSize int
	dedup     string
	workers   int
}

func registerIngestCmd(parent *cobra.Command, root *rootOptions) {
	opts := &ingestOptions{}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stage JSON and JSONL files into the record store",
		Example: `  # Ingest a directory of JSONL exports
  sketch ingest -c pipeline.json --source ./dumps --pattern "*.jsonl"

  # Re-run with content dedup so unchanged files are skipped
  sketch ingest -c pipeline.json --dedup content`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "Source directory (overrides config)")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "Glob pattern under the source directory")
	cmd.Flags().StringVar(&opts.partition, "partition", "", "Partition label for staged records")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Files per staging batch")
	cmd.Flags().StringVar(&opts.dedup, "dedup", "", "Dedup strategy: none, path, content, both")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Parallel parse workers (0 = GOMAXPROCS)")

	parent.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, root *rootOptions, opts *ingestOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	applyStringFlag(&cfg.Source, opts.source)
	applyStringFlag(&cfg.Pattern, opts.pattern)
	applyStringFlag(&cfg.Partition, opts.partition)
	applyIntFlag(&cfg.BatchSize, opts.batchSize)
	applyStringFlag(&cfg.Dedup, opts.dedup)
	applyIntFlag(&cfg.Workers, opts.workers)

	if cfg.Source == "" {
		return usageErrorf("a source directory is required (--source or config)")
	}
	strategy, err := ingest.ParseStrategy(cfg.Dedup)
	if err != nil {
		return usageErrorf("%v", err)
	}

	logger, cleanup, err := root.newLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	store, err := staging.Open(cmd.Context(), cfg.Staging)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := ingest.New(store, logger).Run(cmd.Context(), ingest.Options{
		Source:    cfg.Source,
		Pattern:   cfg.Pattern,
		Partition: cfg.Partition,
		BatchSize: cfg.BatchSize,
		Dedup:     strategy,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"ingested %d records from %d files (%d skipped, %d bytes, %d errors) in %s (%.0f rec/s)\n",
		stats.RecordsIngested, stats.FilesProcessed, stats.FilesSkipped,
		stats.BytesProcessed, stats.ErrorCount, stats.Duration.Round(time.Millisecond),
		stats.Throughput())
	for _, e := range stats.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", e)
	}
	return nil
}

func applyStringFlag(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyIntFlag(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
