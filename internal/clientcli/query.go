package clientcli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newQueryCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "query <source> [SQL]",
		Short: "Run a SQL query against a GDX file",
		Long: `Open a GDX file and run a SQL query against it through gdxviewer-server.

The query may reference the file's symbols directly via read_gdx(...),
or, once a symbol has been materialized, its cached table by name.

When no SQL is given on the command line and stdin is not piped,
query enters interactive REPL mode.`,
		Example: `  gdxviewer-client query demand.gdx "SELECT * FROM read_gdx('demand.gdx', 'demand')"
  gdxviewer-client query demand.gdx --format json "SELECT * FROM read_gdx('demand.gdx', 'demand')"
  gdxviewer-client query demand.gdx`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			ctx := cmd.Context()

			c, err := startClient(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = c.Stop() }()

			docID, _, err := openDocument(ctx, c, source)
			if err != nil {
				return fmt.Errorf("open %s: %w", source, err)
			}
			defer func() { _ = closeDocument(ctx, c, docID) }()

			var sql string
			switch {
			case len(args) == 2:
				sql = args[1]
			case !isTerminal(os.Stdin):
				content, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				sql = string(content)
			default:
				return runREPL(cmd, c, docID, source, format)
			}

			result, err := executeQuery(ctx, c, docID, strings.TrimSpace(sql))
			if err != nil {
				return err
			}
			return renderRows(cmd.OutOrStdout(), result.Columns, result.Rows, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, csv, md")
	return cmd
}
