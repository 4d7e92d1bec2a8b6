package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sketch/internal/mapping"
)

type generateOptions struct {
	mappingPath string
	kind        string
	sourceName  string
	targetName  string
	output      string
}

func registerGenerateCmd(parent *cobra.Command, root *rootOptions) {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a transform script from a mapping result",
		Example: `  # SQL projection from a saved mapping
  sketch generate --mapping out/mapping.json --kind sql --source-name raw_users --target-name users_clean

  # jq filter to stdout
  sketch generate --mapping out/mapping.json --kind jq`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.mappingPath, "mapping", "", "Mapping result file produced by the map stage")
	cmd.Flags().StringVar(&opts.kind, "kind", "sql", "Script kind: sql, jq, python")
	cmd.Flags().StringVar(&opts.sourceName, "source-name", "source", "Source table or document name")
	cmd.Flags().StringVar(&opts.targetName, "target-name", "target", "Target table or document name")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default stdout)")

	parent.AddCommand(cmd)
}

func runGenerate(cmd *cobra.Command, root *rootOptions, opts *generateOptions) error {
	if opts.mappingPath == "" {
		return usageErrorf("--mapping is required")
	}
	kind, err := mapping.ParseScriptKind(opts.kind)
	if err != nil {
		return usageErrorf("%v", err)
	}

	data, err := os.ReadFile(opts.mappingPath)
	if err != nil {
		return fmt.Errorf("read mapping: %w", err)
	}
	var result mapping.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("parse mapping %s: %w", opts.mappingPath, err)
	}

	script, err := mapping.Generate(result, kind, opts.sourceName, opts.targetName)
	if err != nil {
		return err
	}

	if opts.output == "" {
		_, err = cmd.OutOrStdout().Write(script)
		return err
	}
	if err := os.WriteFile(opts.output, script, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.output)
	return nil
}
