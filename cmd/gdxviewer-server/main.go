// Command gdxviewer-server hosts the GDX query server. It is normally
// spawned by a client library with a single JSON argument describing
// startup options (or, for backward compatibility, a legacy path
// argument followed by that JSON); running it with flags instead
// enters the manual cobra-based CLI for local development.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gdxviewer/query-server/internal/cli"
	"github.com/gdxviewer/query-server/internal/supervisor"
)

func main() {
	args := os.Args[1:]
	if looksLikeProcessOptions(args) {
		os.Exit(runProcessMode(args))
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

// looksLikeProcessOptions reports whether args match the supervisor
// process contract (one or two positional arguments, the last of
// which is a JSON object) rather than a cobra flag invocation.
func looksLikeProcessOptions(args []string) bool {
	if len(args) == 0 || len(args) > 2 {
		return false
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			return false
		}
	}
	last := args[len(args)-1]
	return strings.HasPrefix(strings.TrimSpace(last), "{")
}

func runProcessMode(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	opts, legacyPath, err := supervisor.ParseArgs(args)
	if err != nil {
		logger.Error("invalid startup arguments", "error", err)
		return 1
	}
	if legacyPath != "" {
		logger.Debug("ignoring legacy extension path argument", "path", legacyPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx, opts, logger, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	return 0
}
