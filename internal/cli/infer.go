package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sketch/internal/infer"
	"sketch/internal/schema"
	"sketch/internal/staging"
)

type inferOptions struct {
	partition  string
	sampleSize int
	format     string
	output     string
}

func registerInferCmd(parent *cobra.Command, root *rootOptions) {
	opts := &inferOptions{}

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Infer a schema from staged records",
		Example: `  # Print the inferred schema as canonical JSON
  sketch infer -c pipeline.json

  # Render JSON Schema into a file
  sketch infer -c pipeline.json --format json-schema -o schema.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfer(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.partition, "partition", "", "Partition to profile (overrides config)")
	cmd.Flags().IntVar(&opts.sampleSize, "sample-size", 0, "Record sample cap (0 = all)")
	cmd.Flags().StringVar(&opts.format, "format", "json", "Output format: json, yaml, json-schema")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default stdout)")

	parent.AddCommand(cmd)
}

func runInfer(cmd *cobra.Command, root *rootOptions, opts *inferOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	applyStringFlag(&cfg.Partition, opts.partition)
	applyIntFlag(&cfg.Infer.SampleSize, opts.sampleSize)

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

	eng := infer.New(infer.Options{
		SampleSize:      cfg.Infer.SampleSize,
		MinFrequency:    cfg.Infer.MinFrequency,
		MaxDepth:        cfg.Infer.MaxDepth,
		DetectFormats:   cfg.Infer.DetectFormats,
		CollectExamples: cfg.Infer.CollectExamples,
		MaxExamples:     cfg.Infer.MaxExamples,
		Workers:         cfg.Workers,
	}, logger)

	s, stats, err := eng.Infer(cmd.Context(), infer.StoreSource(store, cfg.Partition))
	if err != nil {
		return err
	}
	if s.Name == "" {
		s.Name = cfg.Partition
	}
	s.Partition = cfg.Partition

	data, err := renderSchema(s, opts.format)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "profiled %d records, %d fields (%d top-level, %d records skipped)\n",
		stats.RecordsSampled, stats.FieldsDiscovered, len(s.TopLevel()), stats.RecordsSkipped)

	if opts.output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.output)
	return nil
}

func renderSchema(s schema.Schema, format string) ([]byte, error) {
	switch format {
	case "json":
		return s.EncodeJSON()
	case "yaml":
		return s.EncodeYAML()
	case "json-schema":
		codec, err := schema.CodecByName("json-schema")
		if err != nil {
			return nil, err
		}
		return codec.Render(s)
	default:
		return nil, usageErrorf("unknown format %q (json, yaml, json-schema)", format)
	}
}
