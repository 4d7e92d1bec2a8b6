package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sketch/internal/pipeline"
)

func registerStatusCmd(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint state of the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, root)
		},
	}

	parent.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	path := pipeline.CheckpointPath(cfg.Staging.Kind, cfg.Staging.DSN, cfg.OutputDir)
	c, err := pipeline.LoadCheckpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint found; nothing has run yet")
		return nil
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s", c.RunID)
	if c.Name != "" {
		fmt.Fprintf(out, " (%s)", c.Name)
	}
	fmt.Fprintf(out, ": %s\n", c.State())
	fmt.Fprintf(out, "  checkpoint: %s\n", path)
	fmt.Fprintf(out, "  started:    %s\n", c.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  updated:    %s\n", c.UpdatedAt.Format(time.RFC3339))
	if c.Error != "" {
		fmt.Fprintf(out, "  error:      %s\n", c.Error)
	}

	for _, st := range pipeline.AllStages() {
		o, ok := c.Output(st)
		if !ok {
			if st == c.CurrentStage {
				fmt.Fprintf(out, "  - %s: in progress\n", st)
			}
			continue
		}
		switch {
		case o.Skipped:
			fmt.Fprintf(out, "  - %s: skipped (%s)\n", st, o.SkipReason)
		case o.Success:
			fmt.Fprintf(out, "  - %s: ok (%s)\n", st, o.Duration.Round(time.Millisecond))
			for _, f := range o.Files {
				fmt.Fprintf(out, "      %s\n", f)
			}
		default:
			fmt.Fprintf(out, "  - %s: failed\n", st)
		}
	}
	return nil
}
