// sessiond - background coding agent session manager.
//
// Runs sandboxed coding-agent sessions and bridges their events to
// connected clients over WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond - background coding agent session manager",
	Long: `sessiond runs sandboxed coding-agent sessions and streams their
output to connected clients.

  sessiond serve    Start the server`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
