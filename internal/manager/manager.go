// Package manager ties the resolver, cache, downloader, installer and
// repository index together into install and removal workflows.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/installer"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/pkgcache"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/resolver"
	"github.com/open-edge-platform/os-package-manager/internal/pkgfetcher"
	"github.com/open-edge-platform/os-package-manager/internal/repository"
	"github.com/open-edge-platform/os-package-manager/internal/utils/config"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
	"github.com/open-edge-platform/os-package-manager/internal/utils/metrics"
	"github.com/open-edge-platform/os-package-manager/internal/utils/shell"
)

// Status is a point-in-time summary of the manager.
type Status struct {
	TotalPackagesInstalled  uint64     `json:"total_packages_installed"`
	TotalPackagesDownloaded uint64     `json:"total_packages_downloaded"`
	CacheSize               int64      `json:"cache_size"`
	InstallRoot             string     `json:"install_root"`
	Repositories            int        `json:"repositories"`
	InstalledPackages       int        `json:"installed_packages"`
	IndexedPackages         int        `json:"indexed_packages"`
	LastSync                *time.Time `json:"last_sync,omitempty"`
}

type options struct {
	fetcher    pkgfetcher.Fetcher
	httpClient *http.Client
	hook       installer.PostInstallHook
	metrics    *metrics.Metrics
}

// Option customises New.
type Option func(*options)

// WithFetcher replaces the HTTPS downloader, e.g. with a test double.
func WithFetcher(f pkgfetcher.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithHTTPClient sets the client used by the default downloader.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPostInstallHook sets the hook run after each installed package.
func WithPostInstallHook(h installer.PostInstallHook) Option {
	return func(o *options) { o.hook = h }
}

// commandHook runs command through the shell for each installed package.
func commandHook(command string, timeout time.Duration) installer.PostInstallHook {
	return func(pkg ospackage.PackageInfo, dir string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := shell.ExecCmdWithStream(ctx, command, dir, []string{
			"PKGMGR_PACKAGE=" + pkg.Name,
			"PKGMGR_PACKAGE_VERSION=" + pkg.Version,
			"PKGMGR_PACKAGE_DIR=" + dir,
		})
		return err
	}
}

// WithMetrics shares an existing metrics set instead of creating one.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Manager owns every component for one install root.
type Manager struct {
	cfg         *config.GlobalConfig
	installRoot string
	reportDir   string

	resolver  *resolver.Resolver
	cache     *pkgcache.Cache
	repos     *repository.Manager
	installer *installer.Installer
	fetcher   pkgfetcher.Fetcher
	metrics   *metrics.Metrics
	report    *logger.StringListReport

	installed  atomic.Uint64
	downloaded atomic.Uint64
}

// New builds a Manager from cfg, creating its directories, loading the
// installed package database and wiring index updates into the resolver.
func New(cfg *config.GlobalConfig, opts ...Option) (*Manager, error) {
	log := logger.Logger()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	helpers := config.NewConfigHelpers(cfg)
	if err := helpers.CreateDirs(); err != nil {
		return nil, fmt.Errorf("preparing directories: %w", err)
	}
	root, err := helpers.InstallRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving install root: %w", err)
	}
	cacheDir, err := helpers.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("resolving cache directory: %w", err)
	}

	cache, err := pkgcache.New(cacheDir, cfg.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("opening package cache: %w", err)
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = pkgfetcher.New(pkgfetcher.Options{
			MaxConcurrent: cfg.Download.MaxConcurrent,
			Timeout:       cfg.Download.Timeout,
			Retries:       cfg.Download.Retries,
			HTTPClient:    o.httpClient,
		})
	}
	mtr := o.metrics
	if mtr == nil {
		mtr = metrics.New()
	}

	hook := o.hook
	if hook == nil && cfg.Hooks.PostInstall != "" {
		hook = commandHook(cfg.Hooks.PostInstall, cfg.Hooks.PostInstallTimeout)
	}

	res := resolver.New(cfg.ResolutionDepth)
	m := &Manager{
		cfg:         cfg,
		installRoot: root,
		reportDir:   cfg.ReportDir,
		resolver:    res,
		cache:       cache,
		repos:       repository.New(fetcher, helpers.TempDir(), helpers.Workers()),
		installer:   installer.New(root, res, installer.WithPostInstallHook(hook)),
		fetcher:     fetcher,
		metrics:     mtr,
		report:      logger.NewStringListReport("packages"),
	}

	for _, origin := range cfg.Repositories {
		m.repos.AddRepository(origin)
	}
	m.repos.OnUpdate(func(pkgs []ospackage.PackageInfo) {
		n := m.resolver.RegisterAvailable(pkgs...)
		m.metrics.IndexedPackages.Set(float64(len(pkgs)))
		log.Debugf("registered %d available packages with the resolver", n)
	})

	if n, err := m.installer.LoadInstalled(); err != nil {
		log.Warnf("loading installed packages: %v", err)
	} else if n > 0 {
		log.Infof("found %d installed packages under %s", n, root)
	}

	m.metrics.Repositories.Set(float64(m.repos.RepositoryCount()))
	m.metrics.CacheSizeBytes.Set(float64(m.cache.GetCacheSize()))
	return m, nil
}

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// Resolver returns the dependency resolver.
func (m *Manager) Resolver() *resolver.Resolver { return m.resolver }

// Cache returns the package cache.
func (m *Manager) Cache() *pkgcache.Cache { return m.cache }

// Repositories returns the repository manager.
func (m *Manager) Repositories() *repository.Manager { return m.repos }

// AddRepository adds an origin at runtime.
func (m *Manager) AddRepository(origin string) bool {
	added := m.repos.AddRepository(origin)
	m.metrics.Repositories.Set(float64(m.repos.RepositoryCount()))
	return added
}

// InstallPackage installs name and every dependency not yet installed, in
// dependency order. It stops at the first failure; packages installed before
// it stay installed.
func (m *Manager) InstallPackage(ctx context.Context, name string) error {
	log := logger.Logger()

	if _, ok := m.repos.GetPackageInfo(name); !ok {
		m.metrics.OperationFailures.WithLabelValues("install").Inc()
		return fmt.Errorf("%w: %s", ospackage.ErrNotFound, name)
	}

	order := m.installOrder(name)
	log.Debugf("installation order for %s: %v", name, order)

	var pending []ospackage.PackageInfo
	for _, n := range order {
		if m.resolver.IsInstalled(n) {
			continue
		}
		pkg, ok := m.repos.GetPackageInfo(n)
		if !ok {
			m.metrics.OperationFailures.WithLabelValues("install").Inc()
			return fmt.Errorf("%w: %s (required by %s)", ospackage.ErrNotFound, n, name)
		}
		// refuse before anything is downloaded
		if m.resolver.CheckConflicts(n) {
			m.metrics.OperationFailures.WithLabelValues("install").Inc()
			return fmt.Errorf("%w: %s", ospackage.ErrConflictDetected, n)
		}
		pending = append(pending, pkg)
	}

	for _, pkg := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := m.ensureArchive(ctx, pkg)
		if err != nil {
			m.metrics.OperationFailures.WithLabelValues("download").Inc()
			return fmt.Errorf("downloading %s: %w", pkg.Name, err)
		}
		if _, err := m.installer.InstallPackage(pkg, path); err != nil {
			m.metrics.OperationFailures.WithLabelValues("install").Inc()
			return fmt.Errorf("installing %s: %w", pkg.Name, err)
		}
		m.installed.Add(1)
		m.metrics.PackagesInstalled.Inc()
	}

	m.metrics.CacheSizeBytes.Set(float64(m.cache.GetCacheSize()))
	return nil
}

func (m *Manager) installOrder(name string) []string {
	candidates := append(m.resolver.ResolveDependencies(name, true), name)
	return m.resolver.GetInstallationOrder(candidates)
}

// ensureArchive returns the cache path of pkg's archive, downloading it when
// it is not cached.
func (m *Manager) ensureArchive(ctx context.Context, pkg ospackage.PackageInfo) (string, error) {
	log := logger.Logger()
	path, err := m.cache.GetCachePath(pkg.Name, pkg.Version)
	if err != nil {
		return "", err
	}

	if m.cache.IsCached(pkg.Name, pkg.Version) {
		if _, err := os.Stat(path); err == nil {
			log.Debugf("using cached archive %s", path)
			m.cache.AddToCache(pkg.Name, pkg.Version)
			return path, nil
		}
		log.Warnf("cached archive %s is missing, fetching again", path)
		m.cache.RemoveFromCache(pkg.Name, pkg.Version)
	}

	url := PackageURL(pkg)
	log.Infof("downloading %s", url)
	if err := m.fetcher.DownloadPackage(ctx, url, path, pkg.SHA256); err != nil {
		return "", err
	}
	m.report.Add(url)
	m.downloaded.Add(1)
	m.metrics.PackagesDownloaded.Inc()

	m.cache.AddToCache(pkg.Name, pkg.Version)
	if !m.cache.IsCached(pkg.Name, pkg.Version) {
		return "", fmt.Errorf("archive %s does not fit in the cache budget of %d bytes", path, m.cache.MaxSize())
	}
	return path, nil
}

// PackageURL is where pkg's archive is published on its origin.
func PackageURL(pkg ospackage.PackageInfo) string {
	return pkg.Repository + "/packages/" + pkg.CacheKey() + pkgcache.ArchiveExt
}

// FetchPackages downloads the archives of names and their dependencies into
// the cache without installing them.
func (m *Manager) FetchPackages(ctx context.Context, names []string, showProgress bool) error {
	var (
		jobs []pkgfetcher.Job
		pkgs []ospackage.PackageInfo
		seen = make(map[string]bool)
	)
	for _, name := range names {
		if _, ok := m.repos.GetPackageInfo(name); !ok {
			return fmt.Errorf("%w: %s", ospackage.ErrNotFound, name)
		}
		for _, n := range m.installOrder(name) {
			pkg, ok := m.repos.GetPackageInfo(n)
			if !ok || seen[n] || m.cache.IsCached(pkg.Name, pkg.Version) {
				continue
			}
			seen[n] = true
			path, err := m.cache.GetCachePath(pkg.Name, pkg.Version)
			if err != nil {
				return err
			}
			pkgs = append(pkgs, pkg)
			jobs = append(jobs, pkgfetcher.Job{
				URL:    PackageURL(pkg),
				Path:   path,
				Digest: pkg.SHA256,
			})
		}
	}

	err := pkgfetcher.FetchPackages(ctx, m.fetcher, jobs, m.cfg.Workers, showProgress)

	for i, pkg := range pkgs {
		if _, statErr := os.Stat(jobs[i].Path); statErr != nil {
			continue
		}
		m.report.Add(jobs[i].URL)
		m.downloaded.Add(1)
		m.metrics.PackagesDownloaded.Inc()
		m.cache.AddToCache(pkg.Name, pkg.Version)
	}
	m.metrics.CacheSizeBytes.Set(float64(m.cache.GetCacheSize()))
	return err
}

// RemovePackage removes an installed package unless other installed
// packages depend on it.
func (m *Manager) RemovePackage(name string) error {
	if err := m.installer.RemovePackage(name); err != nil {
		m.metrics.OperationFailures.WithLabelValues("remove").Inc()
		return err
	}
	m.metrics.PackagesRemoved.Inc()
	return nil
}

// SearchPackages searches the merged index.
func (m *Manager) SearchPackages(query string) []ospackage.PackageInfo {
	return m.repos.SearchPackages(query)
}

// PackageInfo returns the indexed record of name, with the installed flag
// taken from the resolver.
func (m *Manager) PackageInfo(name string) (ospackage.PackageInfo, bool) {
	pkg, ok := m.repos.GetPackageInfo(name)
	if !ok {
		if installed, found := m.resolver.Package(name); found && installed.Installed {
			return installed, true
		}
		return ospackage.PackageInfo{}, false
	}
	pkg.Installed = m.resolver.IsInstalled(name)
	return pkg, true
}

// UpdatePackageIndex refreshes the index from every origin.
func (m *Manager) UpdatePackageIndex(ctx context.Context) error {
	err := m.repos.UpdatePackageIndex(ctx)
	if err != nil {
		m.metrics.OperationFailures.WithLabelValues("update_index").Inc()
	}
	return err
}

// Run keeps the index fresh until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.repos.Run(ctx, m.cfg.Sync.Interval)
}

// Status summarises the manager's counters and state.
func (m *Manager) Status() Status {
	s := Status{
		TotalPackagesInstalled:  m.installed.Load(),
		TotalPackagesDownloaded: m.downloaded.Load(),
		CacheSize:               m.cache.GetCacheSize(),
		InstallRoot:             m.installRoot,
		Repositories:            m.repos.RepositoryCount(),
		InstalledPackages:       m.resolver.InstalledCount(),
		IndexedPackages:         m.repos.Len(),
	}
	if last := m.repos.LastSync(); !last.IsZero() {
		s.LastSync = &last
	}
	m.metrics.CacheSizeBytes.Set(float64(s.CacheSize))
	m.metrics.Repositories.Set(float64(s.Repositories))
	return s
}

// WriteFetchReport writes the list of URLs downloaded so far to the report
// directory and returns the file path, or "" when nothing was downloaded.
func (m *Manager) WriteFetchReport() (string, error) {
	return m.report.WriteToFile(m.reportDir)
}
