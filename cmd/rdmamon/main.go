package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmamon/cmd/rdmamon/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rdmamon",
		Short: "rdmamon - RDMA message monitor",
		Long: `rdmamon supervises RDMA connections, keeps their receive queues
primed, and surfaces every incoming write-with-immediate as a message.

Run the daemon:
  rdmamon serve --config rdmamon.yaml

Try it without RDMA hardware:
  rdmamon demo --connections 3 --messages 10

Inspect a running daemon:
  rdmamon status
  rdmamon messages --limit 10

Commands that talk to a running daemon use its admin API, which defaults
to http://localhost:9090 and can be overridden with --endpoint or the
RDMAMON_ENDPOINT environment variable.`,
		Version: fmt.Sprintf("%s (commit: %s)", commands.Version, commands.Commit),
	}

	// Add sub-commands
	rootCmd.AddCommand(commands.NewServeCmd())
	rootCmd.AddCommand(commands.NewDemoCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewMessagesCmd())
	rootCmd.AddCommand(commands.NewDevicesCmd())
	rootCmd.AddCommand(commands.NewStopCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
