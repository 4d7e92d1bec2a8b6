package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sketch/internal/staging"
)

func registerQueryCmd(parent *cobra.Command, root *rootOptions) {
	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Run a read-only SQL statement against the staging store",
		Example: `  sketch query -c pipeline.json "SELECT partition, COUNT(*) FROM records GROUP BY partition"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, root, args[0])
		},
	}

	parent.AddCommand(cmd)
}

func runQuery(cmd *cobra.Command, root *rootOptions, statement string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	store, err := staging.Open(cmd.Context(), cfg.Staging)
	if err != nil {
		return err
	}
	defer store.Close()

	columns, rows, err := store.Query(cmd.Context(), statement)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d row(s)\n", len(rows))
	return nil
}
