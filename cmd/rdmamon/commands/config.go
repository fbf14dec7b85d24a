package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmamon/internal/config"
)

// filePermissions for written configuration files.
const filePermissions = 0600

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
		Long:  `Scaffold and inspect the rdmamon configuration file.`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file template",
		Long: `Write a commented configuration template with every setting at its
default value. The default path is rdmamon.yaml in the current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "rdmamon.yaml"
			if len(args) == 1 {
				path = args[0]
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			if err := os.WriteFile(path, []byte(configTemplate), filePermissions); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", path)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Load the configuration the daemon would run with, after the file,
the environment, and the defaults are merged, and print it as YAML.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.Options{})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal configuration: %w", err)
			}

			fmt.Print(string(out))

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

const configTemplate = `# rdmamon configuration
#
# Every value shown here is the default. Durations accept Go syntax
# (50us, 250ms, 2s). Settings can also come from the environment as
# RDMAMON_<SECTION>_<KEY>, e.g. RDMAMON_MONITOR_MODE=poll.

# Node identity. An empty node_id is generated once and persisted
# under data_dir.
#node_id: ""
#node_name: ""

data_dir: ./data

log_level: info      # trace, debug, info, warn, error
log_format: json     # json or console

rdma:
  backend: sim       # only the simulated backend is built in
  device_name: mlx5_0
  port: 1
  cq_size: 256
  max_send_wr: 128
  max_recv_wr: 128

monitor:
  # How completions are detected:
  #   poll   busy-polls the completion queue
  #   event  blocks on completion channel notifications
  #   watch  watches buffer memory for an in-band length header
  mode: event
  # Drive every connection from one shared completion queue and a
  # single monitor loop instead of one loop per connection.
  shared_cq: false
  buffer_count: 16
  buffer_size: 4096
  poll_batch: 16
  yield: backoff     # none, sleep, or backoff
  sleep_interval: 50us
  spin_count: 1024
  wait_timeout: 250ms
  idle_timeout: 0s   # fail a monitor after this long without completions, 0 waits forever
  # Completion statuses to log and skip instead of stopping on,
  # e.g. [rnr-retry-exceeded].
  transient_statuses: []

admin:
  enabled: true
  port: 9090
  cors_origins: ["*"]
  recent_messages: 256

journal:
  enabled: false
  dir: ""            # defaults to <data_dir>/journal
  compression: zstd  # none, zstd, lz4, or gzip
  compression_level: 3
  retain_messages: 10000

demo:
  enabled: false
  connections: 2
  interval: 500ms
  message_count: 0   # 0 keeps writing until shutdown
  max_payload: 512
`
