package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"sketch/internal/mapping"
	"sketch/internal/schema"
)

type mapOptions struct {
	source        string
	target        string
	fuzzy         bool
	minSimilarity float64
	output        string
}

func registerMapCmd(parent *cobra.Command, root *rootOptions) {
	opts := &mapOptions{}

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Map a source schema onto a target schema",
		Example: `  # Map an inferred schema onto a warehouse table schema
  sketch map --source out/inferred_schema.json --target users_clean.yaml

  # Exact matching only
  sketch map --source a.json --target b.json --fuzzy=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "Source schema file (canonical JSON or YAML)")
	cmd.Flags().StringVar(&opts.target, "target", "", "Target schema file (canonical JSON or YAML)")
	cmd.Flags().BoolVar(&opts.fuzzy, "fuzzy", true, "Enable fuzzy matching for unmatched fields")
	cmd.Flags().Float64Var(&opts.minSimilarity, "min-similarity", mapping.DefaultMinSimilarity, "Fuzzy match threshold in [0,1]")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file for the mapping result (default stdout)")

	parent.AddCommand(cmd)
}

func runMap(cmd *cobra.Command, root *rootOptions, opts *mapOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if opts.target == "" {
		opts.target = cfg.Mapping.TargetSchema
	}
	if opts.source == "" || opts.target == "" {
		return usageErrorf("both --source and --target schema files are required")
	}

	source, err := readSchemaFile(opts.source)
	if err != nil {
		return err
	}
	target, err := readSchemaFile(opts.target)
	if err != nil {
		return err
	}

	mapOpts := mapping.Options{
		Fuzzy:           opts.fuzzy,
		MinSimilarity:   opts.minSimilarity,
		CaseInsensitive: cfg.Mapping.CaseInsensitive,
	}
	result, err := mapping.Match(source, target, mapOpts)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	fmt.Fprintf(cmd.ErrOrStderr(), "score %.2f: %d mapped, %d gaps, %d extras\n",
		result.Score, len(result.Mappings), len(result.Gaps), len(result.Extras))

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

func readSchemaFile(path string) (schema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("read schema: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return schema.DecodeYAML(data)
	default:
		return schema.DecodeJSON(data)
	}
}
