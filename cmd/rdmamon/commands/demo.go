package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmamon/internal/config"
)

// NewDemoCmd creates the demo command
func NewDemoCmd() *cobra.Command {
	var (
		configPath  string
		dataDir     string
		connections int
		messages    int
		mode        string
		sharedCQ    bool
		journal     bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a loopback demo with generated traffic",
		Long: `Run the daemon with the built-in demo traffic generator.

Loopback peers write messages into the monitored connections over the
simulated backend, so the full receive path can be watched without RDMA
hardware. With --messages the run stops on its own once every generated
message has been surfaced; otherwise it runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.Options{
				DataDir:         dataDir,
				Demo:            true,
				DemoConnections: connections,
				DemoMessages:    messages,
				Mode:            mode,
			})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			cfg.LogFormat = "console"
			if sharedCQ {
				cfg.Monitor.SharedCQ = true
			}
			if journal {
				cfg.Journal.Enabled = true
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&dataDir, "data", "", "Data directory path")
	cmd.Flags().IntVar(&connections, "connections", 0, "Number of monitored loopback connections")
	cmd.Flags().IntVar(&messages, "messages", 0, "Messages per connection before stopping (0 runs until interrupted)")
	cmd.Flags().StringVar(&mode, "mode", "", "Completion detection mode (poll, event, watch)")
	cmd.Flags().BoolVar(&sharedCQ, "shared-cq", false, "Drive all connections from one shared completion queue")
	cmd.Flags().BoolVar(&journal, "journal", false, "Archive surfaced messages to the journal")

	return cmd
}
