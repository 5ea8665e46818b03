package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// Fetch command flags
var (
	showProgress bool = true
	writeReport  bool = true
)

// createInstallCommand creates the install subcommand
func createInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install [flags] PACKAGE...",
		Short: "Install packages and their dependencies",
		Long: `Install resolves the dependencies of each named package, downloads and
verifies any archive that is not cached, and extracts the packages below the
install root dependencies first. Installation stops at the first failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: executeInstall,
	}
}

func executeInstall(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	m, err := newSyncedManager(cmd)
	if err != nil {
		return err
	}

	for _, name := range args {
		if err := m.InstallPackage(cmd.Context(), name); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
		log.Infof("installed %s", name)
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", name)
	}
	return nil
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [flags] PACKAGE...",
		Short: "Remove installed packages",
		Long: `Remove deletes installed packages from the install root. A package that
other installed packages depend on is not removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: executeRemove,
	}
}

func executeRemove(cmd *cobra.Command, args []string) error {
	m, err := newManager(cmd)
	if err != nil {
		return err
	}

	for _, name := range args {
		if err := m.RemovePackage(name); err != nil {
			return fmt.Errorf("removing %s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", name)
	}
	return nil
}

// createFetchCommand creates the fetch subcommand
func createFetchCommand() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch [flags] PACKAGE...",
		Short: "Download packages and their dependencies into the cache",
		Long: `Fetch resolves and downloads the named packages and their dependencies
into the local cache without installing them. The list of downloaded URLs is
written to the report directory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: executeFetch,
	}

	fetchCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a download progress bar")
	fetchCmd.Flags().BoolVar(&writeReport, "report", true, "Write the downloaded URL list to the report directory")
	return fetchCmd
}

func executeFetch(cmd *cobra.Command, args []string) error {
	log := logger.Logger()

	m, err := newSyncedManager(cmd)
	if err != nil {
		return err
	}

	fetchErr := m.FetchPackages(cmd.Context(), args, showProgress)

	if writeReport {
		path, err := m.WriteFetchReport()
		if err != nil {
			log.Warnf("writing fetch report: %v", err)
		} else if path != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s\n", path)
		}
	}
	if fetchErr != nil {
		return fmt.Errorf("fetching packages: %w", fetchErr)
	}
	return nil
}
