package clientcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/gdxviewer/query-server/pkg/client"
)

func newReplCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "repl <source>",
		Short: "Open an interactive SQL session against a GDX file",
		Args:  cobra.ExactArgs(1),
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

			return runREPL(cmd, c, docID, source, format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json, csv, md")
	return cmd
}

// runREPL implements the interactive loop shared by `query` (when
// invoked without inline SQL against a terminal) and `repl`.
func runREPL(cmd *cobra.Command, c *client.Client, docID, source, format string) error {
	ctx := cmd.Context()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gdx> ",
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "gdxviewer query REPL (source: %s)\n", source)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(cmd.OutOrStdout())

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			buf.Reset()
			rl.SetPrompt("gdx> ")
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			if handleDotCommand(cmd, line) {
				if line == ".quit" || line == ".exit" {
					break
				}
				continue
			}
		}

		buf.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			buf.WriteString(" ")
			rl.SetPrompt("  ...> ")
			continue
		}
		rl.SetPrompt("gdx> ")

		sql := strings.TrimSuffix(buf.String(), ";")
		buf.Reset()

		if err := runAndRender(ctx, cmd, c, docID, sql, format); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout())
	}

	return nil
}

func runAndRender(ctx context.Context, cmd *cobra.Command, c *client.Client, docID, sql, format string) error {
	result, err := executeQuery(ctx, c, docID, sql)
	if err != nil {
		return err
	}
	return renderRows(cmd.OutOrStdout(), result.Columns, result.Rows, format)
}

func handleDotCommand(cmd *cobra.Command, line string) bool {
	switch strings.Fields(line)[0] {
	case ".quit", ".exit":
		return true
	case ".help":
		printREPLHelp(cmd.OutOrStdout())
		return true
	case ".clear":
		fmt.Print("\033[H\033[2J")
		return true
	default:
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Unknown command: %s (type .help for commands)\n", line)
		return true
	}
}

func printREPLHelp(w io.Writer) {
	help := `
Commands:
  .help           Show this help message
  .clear          Clear the screen
  .quit / .exit   Exit the REPL

Tips:
  - SQL statements must end with a semicolon (;)
  - Use arrow keys to navigate history
`
	_, _ = fmt.Fprintln(w, help)
}
