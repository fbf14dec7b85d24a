// Package config provides configuration management for rdmamon.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMAMON_* prefix)
//  3. Configuration file (rdmamon.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding, supporting:
//   - YAML configuration files
//   - Environment variable overrides
//   - Type-safe configuration structs
//   - Validation and defaults
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmamon/config.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmamon/internal/compression"
	"github.com/piwi3910/rdmamon/internal/monitor"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// Config holds all configuration for rdmamon
type Config struct {
	// Node identification
	NodeID   string `mapstructure:"node_id" yaml:"node_id"`
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// Data storage
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// RDMA transport configuration
	RDMA RDMAConfig `mapstructure:"rdma" yaml:"rdma"`

	// Completion monitoring configuration
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`

	// Admin HTTP API configuration
	Admin AdminConfig `mapstructure:"admin" yaml:"admin"`

	// Message journal configuration
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// Demo traffic configuration
	Demo DemoConfig `mapstructure:"demo" yaml:"demo"`
}

// RDMAConfig holds RDMA transport configuration
type RDMAConfig struct {
	// Backend selects the verbs backend ("sim" is the built-in simulated one)
	Backend string `mapstructure:"backend" yaml:"backend"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0")
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// Port is the physical port number on the device
	Port int `mapstructure:"port" yaml:"port"`

	// CQSize is the completion queue depth
	CQSize int `mapstructure:"cq_size" yaml:"cq_size"`

	// MaxSendWR is max send work requests per QP
	MaxSendWR int `mapstructure:"max_send_wr" yaml:"max_send_wr"`

	// MaxRecvWR is max receive work requests per QP
	MaxRecvWR int `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`
}

// MonitorConfig holds completion monitoring configuration
type MonitorConfig struct {
	// Mode selects how completions are detected: "poll", "event", or "watch"
	Mode string `mapstructure:"mode" yaml:"mode"`

	// SharedCQ multiplexes all connections onto one completion queue
	// driven by a single monitor loop
	SharedCQ bool `mapstructure:"shared_cq" yaml:"shared_cq"`

	// BufferCount is the number of receive buffers posted per connection
	BufferCount int `mapstructure:"buffer_count" yaml:"buffer_count"`

	// BufferSize is the size of each receive buffer in bytes
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`

	// PollBatch is the maximum number of completions taken per poll
	PollBatch int `mapstructure:"poll_batch" yaml:"poll_batch"`

	// Yield controls idle behavior in poll and watch modes: "none",
	// "sleep", or "backoff"
	Yield string `mapstructure:"yield" yaml:"yield"`

	// SleepInterval is the fixed sleep used by the "sleep" yield policy
	SleepInterval time.Duration `mapstructure:"sleep_interval" yaml:"sleep_interval"`

	// SpinCount is how many empty polls the "backoff" policy spins
	// before it starts sleeping
	SpinCount int `mapstructure:"spin_count" yaml:"spin_count"`

	// WaitTimeout bounds each blocking completion wait so stop requests
	// are noticed promptly
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`

	// IdleTimeout fails a monitor when receives are outstanding and no
	// completion arrives within the window (0 waits forever)
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// TransientStatuses are completion statuses logged and skipped
	// instead of ending the monitor
	TransientStatuses []string `mapstructure:"transient_statuses" yaml:"transient_statuses"`
}

// AdminConfig holds the admin HTTP API configuration
type AdminConfig struct {
	// Enabled enables the admin HTTP server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the admin server port
	Port int `mapstructure:"port" yaml:"port"`

	// CORSOrigins are the allowed CORS origins for browser dashboards
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`

	// RecentMessages is how many surfaced messages are kept in memory
	// for the messages endpoint
	RecentMessages int `mapstructure:"recent_messages" yaml:"recent_messages"`
}

// JournalConfig holds message journal configuration
type JournalConfig struct {
	// Enabled enables persisting surfaced messages to disk
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Dir is the journal directory (default: <data_dir>/journal)
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Compression is the payload compression algorithm: "none", "zstd",
	// "lz4", or "gzip"
	Compression string `mapstructure:"compression" yaml:"compression"`

	// CompressionLevel tunes the algorithm (1 fastest, 3 default, 9 best)
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level"`

	// RetainMessages caps the number of records kept (0 keeps everything)
	RetainMessages int `mapstructure:"retain_messages" yaml:"retain_messages"`
}

// DemoConfig holds loopback demo traffic configuration
type DemoConfig struct {
	// Enabled starts loopback peers that write demo traffic into the
	// monitored connections (simulated backend only)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Connections is the number of monitored loopback connections
	Connections int `mapstructure:"connections" yaml:"connections"`

	// Interval is the delay between writes on each connection
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// MessageCount stops each writer after this many messages (0 runs
	// until shutdown)
	MessageCount int `mapstructure:"message_count" yaml:"message_count"`

	// MaxPayload caps the generated payload size in bytes
	MaxPayload int `mapstructure:"max_payload" yaml:"max_payload"`
}

// Options represents command line options that override config file settings
type Options struct {
	DataDir   string
	AdminPort int
	LogLevel  string
	Mode      string

	// Demo forces the built-in demo traffic generator on.
	Demo            bool
	DemoConnections int
	DemoMessages    int
}

// Load loads configuration from file, environment, and command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmamon")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmamon")
		v.AddConfigPath("$HOME/.rdmamon")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("RDMAMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}
	if opts.AdminPort != 0 {
		v.Set("admin.port", opts.AdminPort)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.Mode != "" {
		v.Set("monitor.mode", opts.Mode)
	}
	if opts.Demo {
		v.Set("demo.enabled", true)
	}
	if opts.DemoConnections > 0 {
		v.Set("demo.connections", opts.DemoConnections)
	}
	if opts.DemoMessages > 0 {
		v.Set("demo.message_count", opts.DemoMessages)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Node defaults
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	// Data directory
	v.SetDefault("data_dir", "./data")

	// Logging
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// RDMA transport defaults
	v.SetDefault("rdma.backend", "sim")
	v.SetDefault("rdma.device_name", "mlx5_0")
	v.SetDefault("rdma.port", 1)
	v.SetDefault("rdma.cq_size", 256)
	v.SetDefault("rdma.max_send_wr", 128)
	v.SetDefault("rdma.max_recv_wr", 128)

	// Monitor defaults
	v.SetDefault("monitor.mode", "event")
	v.SetDefault("monitor.shared_cq", false)
	v.SetDefault("monitor.buffer_count", 16)
	v.SetDefault("monitor.buffer_size", 4096)
	v.SetDefault("monitor.poll_batch", 16)
	v.SetDefault("monitor.yield", "backoff")
	v.SetDefault("monitor.sleep_interval", 50*time.Microsecond)
	v.SetDefault("monitor.spin_count", 1024)
	v.SetDefault("monitor.wait_timeout", 250*time.Millisecond)
	v.SetDefault("monitor.idle_timeout", time.Duration(0))
	v.SetDefault("monitor.transient_statuses", []string{})

	// Admin API defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 9090)
	v.SetDefault("admin.cors_origins", []string{"*"})
	v.SetDefault("admin.recent_messages", 256)

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.dir", "")
	v.SetDefault("journal.compression", "zstd")
	v.SetDefault("journal.compression_level", int(compression.LevelDefault))
	v.SetDefault("journal.retain_messages", 10000)

	// Demo traffic defaults
	v.SetDefault("demo.enabled", false)
	v.SetDefault("demo.connections", 2)
	v.SetDefault("demo.interval", 500*time.Millisecond)
	v.SetDefault("demo.message_count", 0)
	v.SetDefault("demo.max_payload", 512)
}

// JournalCompression maps the journal settings onto a compression codec
// configuration.
func (c *Config) JournalCompression() compression.Config {
	out := compression.DefaultConfig()
	out.Algorithm = compression.Algorithm(c.Journal.Compression)
	out.Level = compression.Level(c.Journal.CompressionLevel)

	return out
}

// validate checks the configuration and sets derived values
func (c *Config) validate() error {
	// Ensure data directory exists with secure permissions
	if err := os.MkdirAll(c.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Generate node ID if not set
	if c.NodeID == "" {
		nodeIDPath := filepath.Join(c.DataDir, "node-id")
		// Validate path to prevent path traversal
		if err := validatePath(c.DataDir, nodeIDPath); err != nil {
			return fmt.Errorf("invalid node ID path: %w", err)
		}
		if data, err := os.ReadFile(nodeIDPath); err == nil { // #nosec G304 - path validated above
			c.NodeID = string(data)
		} else {
			c.NodeID = generateNodeID()
			if err := os.WriteFile(nodeIDPath, []byte(c.NodeID), 0644); err != nil {
				return fmt.Errorf("failed to write node ID: %w", err)
			}
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log_format %q: must be json or console", c.LogFormat)
	}

	if err := c.RDMA.validate(); err != nil {
		return fmt.Errorf("invalid rdma configuration: %w", err)
	}
	if err := c.Monitor.validate(); err != nil {
		return fmt.Errorf("invalid monitor configuration: %w", err)
	}
	if err := c.Admin.validate(); err != nil {
		return fmt.Errorf("invalid admin configuration: %w", err)
	}

	// Derive journal directory from data_dir when not set explicitly
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if err := c.Journal.validate(); err != nil {
		return fmt.Errorf("invalid journal configuration: %w", err)
	}

	if err := c.Demo.validate(c.Monitor.BufferSize); err != nil {
		return fmt.Errorf("invalid demo configuration: %w", err)
	}

	return nil
}

func (c *RDMAConfig) validate() error {
	if c.Backend != "sim" {
		return fmt.Errorf("unsupported backend %q: only sim is built in", c.Backend)
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device_name cannot be empty")
	}
	if c.Port < 1 {
		return fmt.Errorf("port must be at least 1")
	}
	if c.CQSize < 1 {
		return fmt.Errorf("cq_size must be at least 1")
	}
	if c.MaxSendWR < 1 {
		return fmt.Errorf("max_send_wr must be at least 1")
	}
	if c.MaxRecvWR < 1 {
		return fmt.Errorf("max_recv_wr must be at least 1")
	}
	return nil
}

func (c *MonitorConfig) validate() error {
	if _, err := monitor.ParseMode(c.Mode); err != nil {
		return err
	}
	if _, err := monitor.ParseYieldPolicy(c.Yield); err != nil {
		return err
	}
	for _, name := range c.TransientStatuses {
		if _, err := rdma.ParseWCStatus(name); err != nil {
			return err
		}
	}
	if c.BufferCount < 1 || c.BufferCount > 65535 {
		return fmt.Errorf("buffer_count must be between 1 and 65535")
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1")
	}
	if c.PollBatch < 1 {
		return fmt.Errorf("poll_batch must be at least 1")
	}
	if c.SleepInterval < 0 {
		return fmt.Errorf("sleep_interval cannot be negative")
	}
	if c.SpinCount < 0 {
		return fmt.Errorf("spin_count cannot be negative")
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be positive")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative")
	}
	return nil
}

func (c *AdminConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.RecentMessages < 1 {
		return fmt.Errorf("recent_messages must be at least 1")
	}
	return nil
}

func (c *JournalConfig) validate() error {
	if _, err := compression.ParseAlgorithm(c.Compression); err != nil {
		return err
	}
	if c.CompressionLevel < int(compression.LevelFastest) || c.CompressionLevel > int(compression.LevelBest) {
		return fmt.Errorf("compression_level must be between %d and %d",
			compression.LevelFastest, compression.LevelBest)
	}
	if c.RetainMessages < 0 {
		return fmt.Errorf("retain_messages cannot be negative")
	}
	return nil
}

func (c *DemoConfig) validate(bufferSize int) error {
	if !c.Enabled {
		return nil
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.MessageCount < 0 {
		return fmt.Errorf("message_count cannot be negative")
	}
	if c.MaxPayload < 1 {
		return fmt.Errorf("max_payload must be at least 1")
	}
	if c.MaxPayload > bufferSize {
		return fmt.Errorf("max_payload (%d) cannot exceed monitor buffer_size (%d)",
			c.MaxPayload, bufferSize)
	}
	return nil
}

// validatePath ensures filePath stays within basePath to prevent path traversal
func validatePath(basePath, filePath string) error {
	// Clean and resolve both paths
	cleanBase, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return fmt.Errorf("failed to resolve base path: %w", err)
	}

	cleanFile, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	// Check if file path is within base directory
	if !strings.HasPrefix(cleanFile, cleanBase) {
		return fmt.Errorf("path traversal detected: %s is outside %s", filePath, basePath) // nolint:err113 // dynamic error with context
	}

	return nil
}

func generateNodeID() string {
	return fmt.Sprintf("node-%s", generateSecret(8))
}

func generateSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[int(randomByte())%len(charset)]
	}
	return string(b)
}

func randomByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// This should never happen with crypto/rand, but if it does,
		// panic is appropriate since we cannot safely generate secrets
		panic(fmt.Sprintf("failed to generate random bytes: %v", err))
	}
	return b[0]
}
