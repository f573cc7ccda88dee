package server

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Journal backends
const (
	JournalBackendFile   = "file"
	JournalBackendSQLite = "sqlite"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Journal JournalSection `toml:"journal"`
	Console ConsoleSection `toml:"console"`
}

type ServerSection struct {
	Port            int    `toml:"port"`
	MaxThreads      int    `toml:"max_threads"`
	CoresMultiplier int    `toml:"cores_multiplier"`
	HTTPPort        int    `toml:"http_port"`
	MetricsPort     int    `toml:"metrics_port"`
	LogDir          string `toml:"log_dir"`

	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type JournalSection struct {
	Backend      string `toml:"backend"`
	Directory    string `toml:"directory"`
	DatabasePath string `toml:"database_path"`
}

type ConsoleSection struct {
	ColoredOutput bool `toml:"colored_output"`
	Debug         bool `toml:"debug"`
}

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	TCPPort         int
	MaxThreads      int // 0 = CPU count × CoresMultiplier
	CoresMultiplier int
	HTTPPort        int // WebSocket listener (0 = disabled)
	MetricsPort     int // /metrics and /health (0 = disabled)
	LogDir          string
	WriteTimeout    time.Duration // Bound on every write to a peer (0 = unbounded)

	JournalBackend      string
	JournalDir          string
	JournalDatabasePath string

	ColoredOutput bool
	Debug         bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             7070,
		MaxThreads:          0,
		CoresMultiplier:     4,
		HTTPPort:            8080,
		MetricsPort:         9090,
		LogDir:              "~/.cmdrelay/logs",
		WriteTimeout:        10 * time.Second,
		JournalBackend:      JournalBackendFile,
		JournalDir:          "~/.cmdrelay/logFolder",
		JournalDatabasePath: "~/.cmdrelay/journal.db",
		ColoredOutput:       true,
	}
}

// MaxWorkers returns the connection worker cap
func (c ServerConfig) MaxWorkers() int {
	if c.MaxThreads > 0 {
		return c.MaxThreads
	}
	multiplier := c.CoresMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	return runtime.NumCPU() * multiplier
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:            def.TCPPort,
			MaxThreads:      def.MaxThreads,
			CoresMultiplier: def.CoresMultiplier,
			HTTPPort:        def.HTTPPort,
			MetricsPort:     def.MetricsPort,
			LogDir:          def.LogDir,

			WriteTimeoutSeconds: int(def.WriteTimeout / time.Second),
		},
		Journal: JournalSection{
			Backend:      def.JournalBackend,
			Directory:    def.JournalDir,
			DatabasePath: def.JournalDatabasePath,
		},
		Console: ConsoleSection{
			ColoredOutput: def.ColoredOutput,
			Debug:         def.Debug,
		},
	}
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, just run on defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing from the file keep their default
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CMDRELAY_SECTION_KEY
// Example: CMDRELAY_SERVER_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("CMDRELAY_SERVER_PORT", &config.Server.Port)
	envInt("CMDRELAY_SERVER_MAX_THREADS", &config.Server.MaxThreads)
	envInt("CMDRELAY_SERVER_CORES_MULTIPLIER", &config.Server.CoresMultiplier)
	envInt("CMDRELAY_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("CMDRELAY_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("CMDRELAY_SERVER_LOG_DIR", &config.Server.LogDir)
	envInt("CMDRELAY_SERVER_WRITE_TIMEOUT_SECONDS", &config.Server.WriteTimeoutSeconds)

	envString("CMDRELAY_JOURNAL_BACKEND", &config.Journal.Backend)
	envString("CMDRELAY_JOURNAL_DIRECTORY", &config.Journal.Directory)
	envString("CMDRELAY_JOURNAL_DATABASE_PATH", &config.Journal.DatabasePath)

	envBool("CMDRELAY_CONSOLE_COLORED_OUTPUT", &config.Console.ColoredOutput)
	envBool("CMDRELAY_CONSOLE_DEBUG", &config.Console.Debug)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# cmdrelay Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CMDRELAY_SECTION_KEY (e.g., CMDRELAY_SERVER_PORT=7000)

[server]
# Port for admin and client TCP connections
port = 7070

# Maximum concurrent connections (one worker each)
# 0 = number of CPUs × cores_multiplier
max_threads = 0
cores_multiplier = 4

# Port for the WebSocket listener (/ws), 0 = disabled
http_port = 8080

# Port for the internal metrics server (/metrics, /health), 0 = disabled
# Never expose this port publicly
metrics_port = 9090

# Directory for errors.log and server.log
log_dir = "~/.cmdrelay/logs"

# Seconds a write to a peer may block before the peer is dropped
# 0 = no bound (a peer that stops reading can stall its writers)
write_timeout_seconds = 10

[journal]
# "file" keeps one text file per journal in directory
# "sqlite" keeps every journal in one database at database_path
backend = "file"
directory = "~/.cmdrelay/logFolder"
database_path = "~/.cmdrelay/journal.db"

[console]
# Color console output by category
colored_output = true

# Trace every message received and sent
debug = false
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.TCPPort = c.Server.Port
	}
	if c.Server.MaxThreads < 0 {
		return ServerConfig{}, fmt.Errorf("server.max_threads must not be negative")
	}
	cfg.MaxThreads = c.Server.MaxThreads
	if c.Server.CoresMultiplier > 0 {
		cfg.CoresMultiplier = c.Server.CoresMultiplier
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if c.Server.WriteTimeoutSeconds < 0 {
		return ServerConfig{}, fmt.Errorf("server.write_timeout_seconds must not be negative")
	}
	cfg.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second

	var err error
	if strings.TrimSpace(c.Server.LogDir) != "" {
		cfg.LogDir = c.Server.LogDir
	}
	if cfg.LogDir, err = expandHome(cfg.LogDir); err != nil {
		return ServerConfig{}, err
	}

	switch backend := strings.ToLower(strings.TrimSpace(c.Journal.Backend)); backend {
	case "":
	case JournalBackendFile, JournalBackendSQLite:
		cfg.JournalBackend = backend
	default:
		return ServerConfig{}, fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}
	if strings.TrimSpace(c.Journal.Directory) != "" {
		cfg.JournalDir = c.Journal.Directory
	}
	if cfg.JournalDir, err = expandHome(cfg.JournalDir); err != nil {
		return ServerConfig{}, err
	}
	if strings.TrimSpace(c.Journal.DatabasePath) != "" {
		cfg.JournalDatabasePath = c.Journal.DatabasePath
	}
	if cfg.JournalDatabasePath, err = expandHome(cfg.JournalDatabasePath); err != nil {
		return ServerConfig{}, err
	}

	cfg.ColoredOutput = c.Console.ColoredOutput
	cfg.Debug = c.Console.Debug

	return cfg, nil
}

// Get returns a configuration value by its flat key, or "" for unknown keys
func (c *TOMLConfig) Get(key string) string {
	switch key {
	case "server_port":
		return strconv.Itoa(c.Server.Port)
	case "server_max_threads":
		return strconv.Itoa(c.Server.MaxThreads)
	case "server_cores_multiplier":
		return strconv.Itoa(c.Server.CoresMultiplier)
	case "server_http_port":
		return strconv.Itoa(c.Server.HTTPPort)
	case "server_metrics_port":
		return strconv.Itoa(c.Server.MetricsPort)
	case "server_log_dir":
		return c.Server.LogDir
	case "server_write_timeout_seconds":
		return strconv.Itoa(c.Server.WriteTimeoutSeconds)
	case "journal_backend":
		return c.Journal.Backend
	case "journal_dir":
		return c.Journal.Directory
	case "journal_database_path":
		return c.Journal.DatabasePath
	case "colored_output":
		return strconv.FormatBool(c.Console.ColoredOutput)
	case "debug_log":
		return strconv.FormatBool(c.Console.Debug)
	default:
		return ""
	}
}
