// Command gdxviewer-client spawns gdxviewer-server and gives a terminal
// user access to it: one-shot queries, an interactive SQL REPL, or a
// browsable symbol viewer.
package main

import (
	"os"

	"github.com/gdxviewer/query-server/internal/clientcli"
)

func main() {
	if err := clientcli.Execute(); err != nil {
		os.Exit(1)
	}
}
