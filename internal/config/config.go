// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the plugin host.
type Config struct {
	Plugins PluginsConfig `toml:"plugins"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// PluginsConfig holds the watched directory settings.
type PluginsConfig struct {
	Dir         string   `toml:"dir"`
	Suffix      string   `toml:"suffix"`
	Debounce    Duration `toml:"debounce"`
	LoadTimeout Duration `toml:"load_timeout"` // 0 = no timeout
}

// StorageConfig holds state store settings.
type StorageConfig struct {
	Type string `toml:"type"` // "memory", "sqlite", "postgresql"
	Path string `toml:"path"` // SQLite file path
	URL  string `toml:"url"`  // PostgreSQL connection URL
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=errors, 1=lifecycle, 2=modules, 3=events
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Plugins: PluginsConfig{
			Dir:      "plugins",
			Suffix:   ".lua",
			Debounce: Duration(100 * time.Millisecond),
		},
		Storage: StorageConfig{
			Type: "memory",
			Path: "hotplug.db",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 1,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// Positional arguments left after flag parsing are returned as well.
func Load(name string, args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "config/config.toml", "TOML config file")

	// Plugin flags
	dir := fs.String("dir", "", "Plugin directory to watch")
	suffix := fs.String("suffix", "", "Plugin file suffix")
	debounce := fs.Duration("debounce", 0, "Delay used to coalesce filesystem events")
	loadTimeout := fs.Duration("load-timeout", 0, "Maximum time a plugin may take to load (0=none)")

	// Storage flags
	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL connection URL")

	// Server flags
	host := fs.String("host", "", "HTTP listen address")
	port := fs.Int("port", 0, "HTTP listen port")
	noServer := fs.Bool("no-server", false, "Disable the HTTP server")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := cfg.loadTOML(*configPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, err
	}

	cfg.applyEnv()

	if *dir != "" {
		cfg.Plugins.Dir = *dir
	}
	if *suffix != "" {
		cfg.Plugins.Suffix = *suffix
	}
	if *debounce != 0 {
		cfg.Plugins.Debounce = Duration(*debounce)
	}
	if *loadTimeout != 0 {
		cfg.Plugins.LoadTimeout = Duration(*loadTimeout)
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *noServer {
		cfg.Server.Enabled = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOTPLUG_DIR"); v != "" {
		c.Plugins.Dir = v
	}
	if v := os.Getenv("HOTPLUG_SUFFIX"); v != "" {
		c.Plugins.Suffix = v
	}
	if v := os.Getenv("HOTPLUG_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Plugins.Debounce = Duration(d)
		}
	}
	if v := os.Getenv("HOTPLUG_LOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Plugins.LoadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("HOTPLUG_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("HOTPLUG_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HOTPLUG_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("HOTPLUG_SERVER"); v != "" {
		c.Server.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HOTPLUG_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HOTPLUG_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HOTPLUG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HOTPLUG_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Validate checks settings that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	if c.Plugins.Dir == "" {
		return fmt.Errorf("plugin directory is not set")
	}
	if c.Plugins.Suffix == "" {
		return fmt.Errorf("plugin suffix is not set")
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Type == "postgresql" && c.Storage.URL == "" {
		return fmt.Errorf("storage type postgresql requires a URL")
	}
	return nil
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Log writes a message when level is within the configured verbosity.
// The "debug" log level raises verbosity to at least 3.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if c == nil {
		return
	}
	verbosity := c.Logging.Verbosity
	if c.Logging.Level == "debug" && verbosity < 3 {
		verbosity = 3
	}
	if level > verbosity {
		return
	}
	log.Printf(format, args...)
}
