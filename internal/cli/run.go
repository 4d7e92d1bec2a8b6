package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sketch/internal/config"
	"sketch/internal/metrics"
	"sketch/internal/metrics/datadog"
	"sketch/internal/pipeline"
)

type runOptions struct {
	stages        string
	resume        bool
	overrideDrift bool
	dryRun        bool
}

func registerRunCmd(parent *cobra.Command, root *rootOptions) {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline with checkpointing",
		Example: `  # Full pipeline from a config file
  sketch run -c pipeline.json

  # Only the ingest and infer stages
  sketch run -c pipeline.json --stages ingest,infer

  # Continue an interrupted run
  sketch run -c pipeline.json --resume

  # Validate the plan without touching anything
  sketch run -c pipeline.json --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.stages, "stages", "", "Comma-separated stage subset (ingest,infer,refine,map,export)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Resume from an existing checkpoint")
	cmd.Flags().BoolVar(&opts.overrideDrift, "override-drift", false, "Discard a checkpoint whose config fingerprint mismatches")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate and print the plan without side effects")

	parent.AddCommand(cmd)
}

func runPipeline(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	logger, cleanup, err := root.newLogger()
	if err != nil {
		return err
	}
	defer cleanup()

	// --stages unset means all stages with refine treated as optional; the
	// executor distinguishes that from an explicit list.
	runOpts := pipeline.RunOptions{
		Resume:        opts.resume,
		OverrideDrift: opts.overrideDrift,
		DryRun:        opts.dryRun,
	}
	if cmd.Flags().Changed("stages") {
		stages, err := pipeline.ParseStages(opts.stages)
		if err != nil {
			return usageErrorf("%v", err)
		}
		runOpts.Stages = stages
	}

	teardown, err := setupMetrics(cmd, cfg.Metrics)
	if err != nil {
		return err
	}
	defer teardown()

	report, err := pipeline.New(cfg, logger).Run(cmd.Context(), runOpts)
	if report != nil {
		fmt.Print(report.Summary())
	}
	return err
}

// setupMetrics installs the configured metrics backend and returns its
// teardown. The nop backend stays installed when none is configured.
func setupMetrics(cmd *cobra.Command, cfg config.MetricsConfig) (func(), error) {
	if cfg.Backend != "datadog" {
		return func() {}, nil
	}
	backend, err := datadog.NewBackend(cmd.Context(), datadog.Options{
		JobName:    cfg.Job,
		Tags:       datadog.ParseTagsCSV(cfg.Tags),
		FlushEvery: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics backend: %w", err)
	}
	metrics.SetBackend(backend)
	return func() {
		if err := backend.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: metrics close: %v\n", err)
		}
		metrics.SetBackend(metrics.Nop{})
	}, nil
}
