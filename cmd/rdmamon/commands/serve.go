package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmamon/internal/config"
	"github.com/piwi3910/rdmamon/internal/server"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		adminPort  int
		logLevel   string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor daemon",
		Long: `Run the rdmamon daemon.

The daemon supervises RDMA connections, keeps their receive queues primed,
and surfaces every incoming write-with-immediate as a message. Surfaced
messages are held in memory for the admin API and optionally archived to
the on-disk journal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, config.Options{
				DataDir:   dataDir,
				AdminPort: adminPort,
				LogLevel:  logLevel,
				Mode:      mode,
			})
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&dataDir, "data", "", "Data directory path")
	cmd.Flags().IntVar(&adminPort, "admin-port", 0, "Admin API port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&mode, "mode", "", "Completion detection mode (poll, event, watch)")

	return cmd
}

// runServer configures logging from cfg, starts the server, and blocks until
// a shutdown signal arrives or the server stops on its own.
func runServer(cfg *config.Config) error {
	setupLogging(cfg)

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("node_id", cfg.NodeID).
		Msg("Starting rdmamon")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("rdmamon shutdown complete")

	return nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
