// Package cli provides the command-line interface for gdxviewer-server's
// standalone invocation: running the query server directly from a
// terminal, configured the layered way (config file, env, flags)
// rather than by a client process's startup-options JSON.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gdxviewer/query-server/internal/config"
	"github.com/gdxviewer/query-server/internal/supervisor"
)

var cfgFile string

// NewRootCmd builds the gdxviewer-server root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gdxviewer-server",
		Short: "GDX Data eXchange query server",
		Long: `gdxviewer-server hosts a WebSocket query interface over an embedded
DuckDB engine, letting a client browse GDX files without loading them
entirely into memory.

Normally this binary is spawned by a client process with startup
options passed as a JSON argument; running it directly with flags is
for manual operation and debugging.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: first gdxviewer.yaml or gdxviewer.yml found in the current directory or an ancestor)")
	rootCmd.PersistentFlags().Bool("allow-remote-source-loading", false, "permit opening http(s):// sources")
	rootCmd.PersistentFlags().String("global-storage-path", "", "directory for the persistent database and history store (default: in-memory)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", config.DefaultLogFormat, "log format (text|json)")

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := supervisor.ProcessOptions{
		AllowRemoteSourceLoading: cfg.AllowRemoteSourceLoading,
		GlobalStoragePath:        cfg.GlobalStoragePath,
	}

	logger.Info("starting gdxviewer-server", "allowRemoteSourceLoading", opts.AllowRemoteSourceLoading, "globalStoragePath", opts.GlobalStoragePath)
	if err := supervisor.Run(ctx, opts, logger, cmd.OutOrStdout()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
