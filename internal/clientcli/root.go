// Package clientcli implements gdxviewer-client's terminal interface:
// one-shot query execution, an interactive SQL REPL, and a browsable
// symbol viewer, all built on pkg/client's spawned-server connection.
package clientcli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gdxviewer/query-server/pkg/client"
)

var (
	serverBinary string
	allowRemote  bool
	storageDir   string
)

// NewRootCmd builds the gdxviewer-client root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gdxviewer-client",
		Short:         "Browse and query GDX files through gdxviewer-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverBinary, "server-binary", "gdxviewer-server", "path to the gdxviewer-server executable")
	rootCmd.PersistentFlags().BoolVar(&allowRemote, "allow-remote-source-loading", false, "permit opening http(s):// sources")
	rootCmd.PersistentFlags().StringVar(&storageDir, "storage-dir", "", "directory for the persistent database and history store (default: in-memory)")

	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newReplCommand())
	rootCmd.AddCommand(newBrowseCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func startClient(ctx context.Context) (*client.Client, error) {
	return client.Start(ctx, client.Options{
		BinaryPath:               serverBinary,
		AllowRemoteSourceLoading: allowRemote,
		GlobalStoragePath:        storageDir,
	})
}

// documentIDFor derives a stable document identifier from a source
// path or URL so repeated invocations against the same source reuse
// the same identifier without requiring the caller to make one up.
func documentIDFor(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "doc-" + hex.EncodeToString(sum[:])[:16]
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
