package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/os-package-manager/internal/manager"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
)

// Output format command flags
var (
	outFormat string = "text" // "text" | "json"
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&outFormat, "format", "text", "Output format: text or json")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON() (bool, error) {
	switch strings.ToLower(outFormat) {
	case "", "text":
		return false, nil
	case "json":
		return true, nil
	default:
		return false, fmt.Errorf("unsupported output format %q (use text or json)", outFormat)
	}
}

// createSearchCommand creates the search subcommand
func createSearchCommand() *cobra.Command {
	searchCmd := &cobra.Command{
		Use:   "search [flags] QUERY",
		Short: "Search package names and descriptions",
		Args:  cobra.ExactArgs(1),
		RunE:  executeSearch,
	}
	addFormatFlag(searchCmd)
	return searchCmd
}

func executeSearch(cmd *cobra.Command, args []string) error {
	asJSON, err := wantJSON()
	if err != nil {
		return err
	}
	m, err := newSyncedManager(cmd)
	if err != nil {
		return err
	}

	results := m.SearchPackages(args[0])
	out := cmd.OutOrStdout()
	if asJSON {
		if results == nil {
			results = []ospackage.PackageInfo{}
		}
		return writeJSON(out, results)
	}
	if len(results) == 0 {
		fmt.Fprintf(out, "No packages match %q\n", args[0])
		return nil
	}
	for _, pkg := range results {
		fmt.Fprintf(out, "%s %s\t%s\n", pkg.Name, pkg.Version, pkg.Description)
	}
	return nil
}

// createInfoCommand creates the info subcommand
func createInfoCommand() *cobra.Command {
	infoCmd := &cobra.Command{
		Use:   "info [flags] PACKAGE",
		Short: "Show the index record of a package",
		Args:  cobra.ExactArgs(1),
		RunE:  executeInfo,
	}
	addFormatFlag(infoCmd)
	return infoCmd
}

func executeInfo(cmd *cobra.Command, args []string) error {
	asJSON, err := wantJSON()
	if err != nil {
		return err
	}
	m, err := newSyncedManager(cmd)
	if err != nil {
		return err
	}

	pkg, ok := m.PackageInfo(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", ospackage.ErrNotFound, args[0])
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, pkg)
	}

	printField(out, "Name", pkg.Name)
	printField(out, "Version", pkg.Version)
	printField(out, "Description", pkg.Description)
	printField(out, "Architecture", pkg.Architecture)
	printField(out, "Maintainer", pkg.Maintainer)
	printField(out, "Homepage", pkg.Homepage)
	printField(out, "License", pkg.License)
	printField(out, "Repository", pkg.Repository)
	printField(out, "Depends", strings.Join(pkg.Dependencies, ", "))
	printField(out, "Provides", strings.Join(pkg.Provides, ", "))
	printField(out, "Conflicts", strings.Join(pkg.Conflicts, ", "))
	if pkg.Size > 0 {
		printField(out, "Size", fmt.Sprintf("%d", pkg.Size))
	}
	printField(out, "SHA256", pkg.SHA256)
	printField(out, "Installed", fmt.Sprintf("%t", pkg.Installed))
	return nil
}

func printField(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%-13s %s\n", label+":", value)
}

// createUpdateIndexCommand creates the update-index subcommand
func createUpdateIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update-index",
		Short: "Refresh the package index from every repository",
		Args:  cobra.NoArgs,
		RunE:  executeUpdateIndex,
	}
}

func executeUpdateIndex(cmd *cobra.Command, args []string) error {
	m, err := newManager(cmd)
	if err != nil {
		return err
	}
	if m.Repositories().RepositoryCount() == 0 {
		return fmt.Errorf("no repositories configured, use --repo or the repositories setting")
	}

	updateErr := m.UpdatePackageIndex(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d packages from %d repositories\n",
		m.Repositories().Len(), m.Repositories().RepositoryCount())
	if updateErr != nil {
		return fmt.Errorf("updating package index: %w", updateErr)
	}
	return nil
}

// createStatusCommand creates the status subcommand
func createStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show installed packages and cache usage",
		Args:  cobra.NoArgs,
		RunE:  executeStatus,
	}
	addFormatFlag(statusCmd)
	return statusCmd
}

func executeStatus(cmd *cobra.Command, args []string) error {
	asJSON, err := wantJSON()
	if err != nil {
		return err
	}
	m, err := newManager(cmd)
	if err != nil {
		return err
	}

	status := m.Status()
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func printStatus(w io.Writer, s manager.Status) {
	fmt.Fprintf(w, "Install root:       %s\n", s.InstallRoot)
	fmt.Fprintf(w, "Installed packages: %d\n", s.InstalledPackages)
	fmt.Fprintf(w, "Repositories:       %d\n", s.Repositories)
	fmt.Fprintf(w, "Cache size:         %d bytes\n", s.CacheSize)
}
