package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigHelpers provides convenient access to global configuration
type ConfigHelpers struct {
	config *GlobalConfig
}

// NewConfigHelpers creates a new config helpers instance
func NewConfigHelpers(config *GlobalConfig) *ConfigHelpers {
	return &ConfigHelpers{config: config}
}

// Workers returns the number of concurrent workers
func (c *ConfigHelpers) Workers() int {
	return c.config.Workers
}

// CacheDir returns the absolute path to the package cache directory
func (c *ConfigHelpers) CacheDir() (string, error) {
	return filepath.Abs(c.config.CacheDir)
}

// InstallRoot returns the absolute path packages are installed under
func (c *ConfigHelpers) InstallRoot() (string, error) {
	return filepath.Abs(c.config.InstallRoot)
}

// TempDir returns the temporary directory path
func (c *ConfigHelpers) TempDir() string {
	if c.config.TempDir == "" {
		return os.TempDir()
	}
	return c.config.TempDir
}

// LogLevel returns the configured log level
func (c *ConfigHelpers) LogLevel() string {
	return c.config.Logging.Level
}

// IsDebugMode returns true if debug logging is enabled
func (c *ConfigHelpers) IsDebugMode() bool {
	return c.config.Logging.Level == "debug"
}

// GetConfig returns the underlying global config (for advanced usage)
func (c *ConfigHelpers) GetConfig() *GlobalConfig {
	return c.config
}

// CreateDirs ensures the install root, cache and temp directories exist
func (c *ConfigHelpers) CreateDirs() error {
	root, err := c.InstallRoot()
	if err != nil {
		return fmt.Errorf("resolving install root: %w", err)
	}
	cacheDir, err := c.CacheDir()
	if err != nil {
		return fmt.Errorf("resolving cache directory: %w", err)
	}
	for _, dir := range []string{root, cacheDir, c.TempDir()} {
		if err := createDirIfNotExists(dir); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Helper function to create directories
func createDirIfNotExists(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
