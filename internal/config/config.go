// Package config loads the niteru YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Precalc PrecalcConfig `yaml:"precalc"`
	Search  SearchConfig  `yaml:"search"`
	Output  OutputConfig  `yaml:"output"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the signature storage file and run journal locations.
type StorageConfig struct {
	Path        string `yaml:"path"`
	JournalPath string `yaml:"journal_path"`
}

// PrecalcConfig holds signature computation settings.
type PrecalcConfig struct {
	SplitDepth  int      `yaml:"split_depth"`
	Parallelism int      `yaml:"parallelism"`
	Extensions  []string `yaml:"extensions"`
	AutoOrient  bool     `yaml:"auto_orient"`
}

// SearchConfig holds result limits for the HTTP API.
type SearchConfig struct {
	DefaultLimit int  `yaml:"default_limit"`
	MaxLimit     int  `yaml:"max_limit"`
	FuzzyFilter  bool `yaml:"fuzzy_filter"`
}

// OutputConfig holds the defaults for how search results are printed.
type OutputConfig struct {
	TableFormat string `yaml:"table_format"`
	BestOnly    bool   `yaml:"best_only"`
	NoHeaders   bool   `yaml:"no_headers"`
	NoIndex     bool   `yaml:"no_index"`
	NoErrorRate bool   `yaml:"no_error_rate"`
	NoNotes     bool   `yaml:"no_notes"`
	Reverse     bool   `yaml:"reverse"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
	// FlushDelay is how long watcher changes accumulate before the storage file is rewritten.
	FlushDelay  time.Duration `yaml:"flush_delay"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed, or if a value is invalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	configDir := filepath.Dir(path)
	cfg.Storage.Path = expandPath(cfg.Storage.Path, configDir)
	cfg.Storage.JournalPath = expandPath(cfg.Storage.JournalPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate reports values that cannot be used.
func (c *Config) Validate() error {
	if c.Precalc.SplitDepth < 1 {
		return fmt.Errorf("precalc.split_depth must be at least 1, got %d", c.Precalc.SplitDepth)
	}
	if c.Precalc.Parallelism < 1 {
		return fmt.Errorf("precalc.parallelism must be at least 1, got %d", c.Precalc.Parallelism)
	}
	switch c.Output.TableFormat {
	case "github", "plain", "json":
	default:
		return fmt.Errorf("output.table_format must be github, plain or json, got %q", c.Output.TableFormat)
	}
	if c.Search.MaxLimit > 0 && c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit %d exceeds search.max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}
	return nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if strings.HasPrefix(path, "~/") {
		path = path[2:]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
