package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. PKGMGR_CACHE_DIR.
const EnvPrefix = "PKGMGR"

// Built-in defaults.
const (
	DefaultMaxCacheSize           int64 = 1000000000 // 1GB
	DefaultMaxConcurrentDownloads       = 10
	DefaultDownloadTimeout              = 30 * time.Second
	DefaultResolutionDepth              = 50
	DefaultSyncInterval                 = 24 * time.Hour
	DefaultListenAddress                = ":4400"
)

// GlobalConfig holds the process-wide settings of the package manager.
type GlobalConfig struct {
	Workers         int      `yaml:"workers" envconfig:"WORKERS"`
	InstallRoot     string   `yaml:"install_root" envconfig:"INSTALL_ROOT"`
	CacheDir        string   `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	TempDir         string   `yaml:"temp_dir" envconfig:"TEMP_DIR"`
	ReportDir       string   `yaml:"report_dir" envconfig:"REPORT_DIR"`
	MaxCacheSize    int64    `yaml:"max_cache_size" envconfig:"MAX_CACHE_SIZE"`
	ResolutionDepth int      `yaml:"resolution_depth" envconfig:"RESOLUTION_DEPTH"`
	Repositories    []string `yaml:"repositories" envconfig:"REPOSITORIES"`

	Download DownloadConfig `yaml:"download" envconfig:"DOWNLOAD"`
	Sync     SyncConfig     `yaml:"sync" envconfig:"SYNC"`
	API      APIConfig      `yaml:"api" envconfig:"API"`
	Hooks    HooksConfig    `yaml:"hooks" envconfig:"HOOKS"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOG"`
}

// DownloadConfig bounds archive and index transfers.
type DownloadConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" envconfig:"MAX_CONCURRENT"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retries       int           `yaml:"retries" envconfig:"RETRIES"`
}

// SyncConfig controls the background repository index refresh.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

// APIConfig configures the HTTP request surface.
type APIConfig struct {
	Listen    string  `yaml:"listen" envconfig:"LISTEN"`
	RateLimit float64 `yaml:"rate_limit" envconfig:"RATE_LIMIT"` // requests/second per client, 0 disables
	Burst     int     `yaml:"burst" envconfig:"BURST"`
}

// HooksConfig holds shell commands run around package operations.
type HooksConfig struct {
	// PostInstall runs in the package directory after each install, with
	// PKGMGR_PACKAGE and PKGMGR_PACKAGE_DIR set.
	PostInstall        string        `yaml:"post_install" envconfig:"POST_INSTALL"`
	PostInstallTimeout time.Duration `yaml:"post_install_timeout" envconfig:"POST_INSTALL_TIMEOUT"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// DefaultGlobalConfig returns the built-in configuration.
func DefaultGlobalConfig() *GlobalConfig {
	root := "/opt/os-package-manager"
	return &GlobalConfig{
		Workers:         4,
		InstallRoot:     root,
		CacheDir:        root + "/cache",
		TempDir:         "",
		ReportDir:       "builds",
		MaxCacheSize:    DefaultMaxCacheSize,
		ResolutionDepth: DefaultResolutionDepth,
		Download: DownloadConfig{
			MaxConcurrent: DefaultMaxConcurrentDownloads,
			Timeout:       DefaultDownloadTimeout,
			Retries:       2,
		},
		Sync: SyncConfig{
			Interval: DefaultSyncInterval,
		},
		API: APIConfig{
			Listen:    DefaultListenAddress,
			RateLimit: 20,
			Burst:     40,
		},
		Hooks: HooksConfig{
			PostInstallTimeout: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadGlobalConfig layers the YAML file at path (optional) and PKGMGR_*
// environment variables over the defaults, then validates the result.
func LoadGlobalConfig(path string) (*GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := parseYAMLConfig(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseYAMLConfig(data []byte, cfg *GlobalConfig) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks that every bound is usable.
func (c *GlobalConfig) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.InstallRoot == "" {
		return fmt.Errorf("install_root must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	if c.MaxCacheSize <= 0 {
		return fmt.Errorf("max_cache_size must be positive, got %d", c.MaxCacheSize)
	}
	if c.ResolutionDepth < 1 {
		return fmt.Errorf("resolution_depth must be at least 1, got %d", c.ResolutionDepth)
	}
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("download.max_concurrent must be at least 1, got %d", c.Download.MaxConcurrent)
	}
	if c.Download.Timeout <= 0 {
		return fmt.Errorf("download.timeout must be positive, got %s", c.Download.Timeout)
	}
	if c.Download.Retries < 0 {
		return fmt.Errorf("download.retries must not be negative, got %d", c.Download.Retries)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Hooks.PostInstall != "" && c.Hooks.PostInstallTimeout <= 0 {
		return fmt.Errorf("hooks.post_install_timeout must be positive, got %s", c.Hooks.PostInstallTimeout)
	}
	for _, repo := range c.Repositories {
		if !strings.HasPrefix(repo, "https://") {
			return fmt.Errorf("repository %q must use https", repo)
		}
	}
	return nil
}
