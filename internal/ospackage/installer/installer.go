// Package installer extracts package archives below an install root.
package installer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/archive"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/resolver"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

const (
	packagesDir = "packages"
	dbDir       = "db"
)

// PostInstallHook runs after a package has been extracted and registered.
// dir is the package's extraction directory.
type PostInstallHook func(pkg ospackage.PackageInfo, dir string) error

// Stats counts what happened to the entries of one archive.
type Stats struct {
	Files    int
	Dirs     int
	Skipped  int
	Rejected int
	Failed   int
}

// Installer extracts archives below an install root and keeps the resolver's
// installed state and the on-disk package database in step.
type Installer struct {
	root     string
	resolver *resolver.Resolver
	hook     PostInstallHook
}

// Option configures an Installer.
type Option func(*Installer)

// WithPostInstallHook sets the hook run after every successful install.
func WithPostInstallHook(hook PostInstallHook) Option {
	return func(i *Installer) {
		if hook != nil {
			i.hook = hook
		}
	}
}

// New returns an Installer rooted at root.
func New(root string, r *resolver.Resolver, opts ...Option) *Installer {
	i := &Installer{
		root:     root,
		resolver: r,
		hook:     func(ospackage.PackageInfo, string) error { return nil },
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Root returns the install root.
func (i *Installer) Root() string { return i.root }

// PackageDir returns the extraction directory of the named package.
func (i *Installer) PackageDir(name string) string {
	return filepath.Join(i.root, packagesDir, name)
}

func (i *Installer) dbPath(name string) string {
	return filepath.Join(i.root, dbDir, name+".json")
}

// InstallPackage extracts archivePath into the package directory of pkg,
// marks pkg installed and runs the post-install hook.
func (i *Installer) InstallPackage(pkg ospackage.PackageInfo, archivePath string) (Stats, error) {
	log := logger.Logger()

	if err := validateName(pkg.Name); err != nil {
		return Stats{}, err
	}
	// conflicts are looked up by name, so the record must be known
	i.resolver.RegisterAvailable(pkg)
	if i.resolver.CheckConflicts(pkg.Name) {
		return Stats{}, fmt.Errorf("%w: %s", ospackage.ErrConflictDetected, pkg.Name)
	}

	log.Infof("installing package %s-%s", pkg.Name, pkg.Version)

	dest := i.PackageDir(pkg.Name)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return Stats{}, fmt.Errorf("%w: creating %s: %v", ospackage.ErrExtractionFailure, dest, err)
	}

	stats, err := extract(archivePath, dest)
	if err != nil {
		return stats, fmt.Errorf("%w: %s: %v", ospackage.ErrExtractionFailure, pkg.Name, err)
	}
	if stats.Rejected > 0 || stats.Failed > 0 {
		log.Warnf("package %s: %d entries rejected, %d failed", pkg.Name, stats.Rejected, stats.Failed)
	}

	installed := pkg.Clone()
	installed.Installed = true
	i.resolver.AddPackage(installed)

	if err := i.writeRecord(installed); err != nil {
		log.Errorf("failed to persist installed record for %s: %v", pkg.Name, err)
	}

	if err := i.hook(installed, dest); err != nil {
		log.Errorf("post-install hook for %s failed: %v", pkg.Name, err)
	}

	log.Infof("successfully installed %s (%d files, %d dirs)", pkg.Name, stats.Files, stats.Dirs)
	return stats, nil
}

// RemovePackage deletes the package directory and database record of name.
// It refuses with a *ospackage.BlockedError, touching nothing, while any
// installed package still depends on name.
func (i *Installer) RemovePackage(name string) error {
	log := logger.Logger()

	if err := validateName(name); err != nil {
		return err
	}

	if dependents := i.resolver.FindInstalledReverseDependencies(name); len(dependents) > 0 {
		log.Errorf("package %s is required by: %s", name, strings.Join(dependents, " "))
		return &ospackage.BlockedError{Package: name, Dependents: dependents}
	}

	log.Infof("removing package %s", name)
	if err := os.RemoveAll(i.PackageDir(name)); err != nil {
		return fmt.Errorf("removing files of %s: %w", name, err)
	}
	if err := os.Remove(i.dbPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing database record of %s: %w", name, err)
	}
	i.resolver.MarkRemoved(name)

	log.Infof("successfully removed %s", name)
	return nil
}

// LoadInstalled registers every record in the package database with the
// resolver as installed. Unreadable records are logged and skipped.
func (i *Installer) LoadInstalled() (int, error) {
	log := logger.Logger()

	matches, err := filepath.Glob(filepath.Join(i.root, dbDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("listing package database: %w", err)
	}

	loaded := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("skipping package record %s: %v", path, err)
			continue
		}
		var pkg ospackage.PackageInfo
		if err := json.Unmarshal(data, &pkg); err != nil || pkg.Name == "" {
			log.Warnf("skipping malformed package record %s: %v", path, err)
			continue
		}
		pkg.Installed = true
		i.resolver.AddPackage(pkg)
		loaded++
	}
	log.Debugf("loaded %d installed packages from %s", loaded, filepath.Join(i.root, dbDir))
	return loaded, nil
}

func (i *Installer) writeRecord(pkg ospackage.PackageInfo) error {
	path := i.dbPath(pkg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid package name %q", name)
	}
	return nil
}

// extract walks the archive and writes directories and regular files below
// dest. Entries that fail or escape dest are counted and skipped.
func extract(archivePath, dest string) (Stats, error) {
	log := logger.Logger()
	var stats Stats

	a, err := archive.Open(archivePath)
	if err != nil {
		return stats, err
	}
	defer a.Close()

	for {
		entry, err := a.Next()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			// a broken stream cannot be resynchronised
			log.Errorf("reading archive %s: %v", archivePath, err)
			stats.Failed++
			return stats, nil
		}

		target, err := SafeJoin(dest, entry.Path)
		if err != nil {
			log.Warnf("rejecting archive entry: %v", err)
			stats.Rejected++
			continue
		}

		switch entry.Type {
		case archive.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				log.Warnf("creating directory %s: %v", target, err)
				stats.Failed++
				continue
			}
			stats.Dirs++
		case archive.TypeRegular:
			if err := writeFile(target, entry.Mode, a); err != nil {
				log.Warnf("extracting %s: %v", entry.Path, err)
				stats.Failed++
				continue
			}
			stats.Files++
		default:
			log.Debugf("skipping unsupported archive entry %s", entry.Path)
			stats.Skipped++
		}
	}
}

func writeFile(target string, mode os.FileMode, r io.Reader) error {
	if mode == 0 {
		mode = 0644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SafeJoin resolves the archive member name below base. Absolute names and
// names that climb out of base are rejected.
func SafeJoin(base, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty entry name")
	}
	slashed := filepath.ToSlash(name)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute entry path %q", name)
	}

	clean := filepath.Clean(filepath.FromSlash(slashed))
	if clean == "." {
		return base, nil
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry path %q escapes package directory", name)
	}

	target := filepath.Join(base, clean)
	if !strings.HasPrefix(target, filepath.Clean(base)+string(filepath.Separator)) {
		return "", fmt.Errorf("entry path %q escapes package directory", name)
	}
	return target, nil
}
