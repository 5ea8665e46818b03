package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/open-edge-platform/os-package-manager/internal/manager"
	"github.com/open-edge-platform/os-package-manager/internal/utils/config"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// Persistent command flags
var (
	configFile   string
	logLevel     string
	installRoot  string
	cacheDir     string
	repositories []string
	workers      int
)

// managerOptions are passed to every manager the CLI builds.
var managerOptions []manager.Option

func main() {
	rootCmd := createRootCommand()
	if err := rootCmd.Execute(); err != nil {
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// createRootCommand creates the root command with every subcommand attached
func createRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "os-package-manager",
		Short: "Resolve, fetch, verify and install OS packages",
		Long: `os-package-manager installs and removes packages published by one or more
HTTPS repositories. Dependencies are resolved and installed first, archives
are verified by SHA-256 and kept in a size-bounded local cache, and removals
that would break installed packages are refused.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolP("verbose", "v", false, "Shorthand for --log-level debug")
	flags.StringVar(&installRoot, "install-root", "", "Directory packages are installed under")
	flags.StringVar(&cacheDir, "cache-dir", "", "Directory for cached package archives")
	flags.StringSliceVar(&repositories, "repo", nil, "Repository origin URL (repeatable)")
	flags.IntVar(&workers, "workers", 0, "Number of concurrent workers")

	rootCmd.AddCommand(createInstallCommand())
	rootCmd.AddCommand(createRemoveCommand())
	rootCmd.AddCommand(createFetchCommand())
	rootCmd.AddCommand(createSearchCommand())
	rootCmd.AddCommand(createInfoCommand())
	rootCmd.AddCommand(createUpdateIndexCommand())
	rootCmd.AddCommand(createStatusCommand())
	rootCmd.AddCommand(createServeCommand())

	attachLoggingHooks(rootCmd)
	return rootCmd
}

// attachLoggingHooks initialises the logger before any subcommand runs
func attachLoggingHooks(rootCmd *cobra.Command) {
	for _, cmd := range rootCmd.Commands() {
		cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
			return logger.Init(resolveRequestedLogLevel(cmd))
		}
	}
}

// resolveRequestedLogLevel returns the explicit --log-level, "debug" when
// --verbose is set, or "" to fall back to the configuration.
func resolveRequestedLogLevel(cmd *cobra.Command) string {
	if logLevel != "" {
		return logLevel
	}
	if cmd == nil {
		return ""
	}
	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		return "debug"
	}
	return ""
}

// loadConfig layers command-line flags over the configuration file and
// environment.
func loadConfig(cmd *cobra.Command) (*config.GlobalConfig, error) {
	cfg, err := config.LoadGlobalConfig(configFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if changed(flags, "install-root") {
		cfg.InstallRoot = installRoot
		if !changed(flags, "cache-dir") && cfg.CacheDir == config.DefaultGlobalConfig().CacheDir {
			cfg.CacheDir = filepath.Join(installRoot, "cache")
		}
	}
	if changed(flags, "cache-dir") {
		cfg.CacheDir = cacheDir
	}
	if changed(flags, "repo") {
		cfg.Repositories = append([]string(nil), repositories...)
	}
	if changed(flags, "workers") {
		cfg.Workers = workers
	}
	if lvl := resolveRequestedLogLevel(cmd); lvl != "" {
		cfg.Logging.Level = lvl
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.SetLogLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}

// newManager builds a manager from the effective configuration.
func newManager(cmd *cobra.Command) (*manager.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newManagerFromConfig(cfg)
}

func newManagerFromConfig(cfg *config.GlobalConfig) (*manager.Manager, error) {
	m, err := manager.New(cfg, managerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialising package manager: %w", err)
	}
	return m, nil
}

// newSyncedManager builds a manager and refreshes its package index.
// Individual unreachable origins are logged, not fatal.
func newSyncedManager(cmd *cobra.Command) (*manager.Manager, error) {
	m, err := newManager(cmd)
	if err != nil {
		return nil, err
	}
	if m.Repositories().RepositoryCount() == 0 {
		return nil, fmt.Errorf("no repositories configured, use --repo or the repositories setting")
	}
	if err := m.UpdatePackageIndex(cmd.Context()); err != nil {
		logger.Logger().Warnf("package index refresh incomplete: %v", err)
	}
	return m, nil
}
