// Package repository tracks package origins and the merged package index
// built from their index documents.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/pkgfetcher"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// Listener receives the merged index after every update pass.
type Listener func(pkgs []ospackage.PackageInfo)

// Manager owns the ordered origin list and the merged index. Both share one
// mutex, which is never held while index documents are downloaded.
type Manager struct {
	fetcher pkgfetcher.Fetcher
	tempDir string
	workers int

	mu        sync.Mutex
	origins   []string
	index     map[string]ospackage.PackageInfo
	listeners []Listener
	lastSync  time.Time
}

// New returns a Manager that downloads index documents through f into
// tempDir, fetching at most workers origins at once.
func New(f pkgfetcher.Fetcher, tempDir string, workers int) *Manager {
	if workers < 1 {
		workers = 1
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Manager{
		fetcher: f,
		tempDir: tempDir,
		workers: workers,
		index:   make(map[string]ospackage.PackageInfo),
	}
}

// AddRepository appends origin to the origin list. It returns false if the
// origin is already present.
func (m *Manager) AddRepository(origin string) bool {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.origins {
		if o == origin {
			return false
		}
	}
	m.origins = append(m.origins, origin)
	return true
}

// Repositories returns the origins in priority order, lowest first.
func (m *Manager) Repositories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.origins...)
}

// RepositoryCount returns the number of configured origins.
func (m *Manager) RepositoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.origins)
}

// OnUpdate registers l to be called after every update pass.
func (m *Manager) OnUpdate(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// LastSync returns when the last update pass finished, or the zero time.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

type originResult struct {
	pkgs []ospackage.PackageInfo
	err  error
}

// UpdatePackageIndex downloads the index document of every origin and merges
// them. Later origins overwrite records of the same name from earlier ones.
// A failing origin does not stop the others; the returned error joins every
// per-origin failure.
func (m *Manager) UpdatePackageIndex(ctx context.Context) error {
	log := logger.Logger()

	origins := m.Repositories()
	results := make([]originResult, len(origins))

	// each worker records its own outcome, so the group never cancels siblings
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, origin := range origins {
		g.Go(func() error {
			pkgs, err := m.fetchIndex(ctx, origin)
			results[i] = originResult{pkgs: pkgs, err: err}
			return nil
		})
	}
	g.Wait()

	var errs []error
	m.mu.Lock()
	for i, origin := range origins {
		res := results[i]
		if res.err != nil {
			log.Errorf("failed to update package index from %s: %v", origin, res.err)
			errs = append(errs, fmt.Errorf("%s: %w", origin, res.err))
			continue
		}
		for _, pkg := range res.pkgs {
			m.index[pkg.Name] = pkg
		}
		log.Infof("updated package index from %s (%d packages)", origin, len(res.pkgs))
	}
	m.lastSync = time.Now()
	merged := m.sortedLocked()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(merged)
	}
	return errors.Join(errs...)
}

func (m *Manager) fetchIndex(ctx context.Context, origin string) ([]ospackage.PackageInfo, error) {
	tmp := filepath.Join(m.tempDir, "package_index_"+uuid.NewString()+".json")
	defer os.Remove(tmp)

	if err := m.fetcher.DownloadPackage(ctx, origin+"/"+IndexFileName, tmp, ""); err != nil {
		return nil, err
	}

	f, err := os.Open(tmp)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseIndex(f, origin)
}

// SearchPackages returns every indexed record whose name or description
// contains query, ordered by name. The match is case sensitive.
func (m *Manager) SearchPackages(query string) []ospackage.PackageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ospackage.PackageInfo
	for _, pkg := range m.sortedLocked() {
		if strings.Contains(pkg.Name, query) || strings.Contains(pkg.Description, query) {
			out = append(out, pkg)
		}
	}
	return out
}

// GetPackageInfo returns the indexed record for name.
func (m *Manager) GetPackageInfo(name string) (ospackage.PackageInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pkg, ok := m.index[name]
	if !ok {
		return ospackage.PackageInfo{}, false
	}
	return pkg.Clone(), true
}

// Len returns the number of indexed records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *Manager) sortedLocked() []ospackage.PackageInfo {
	out := make([]ospackage.PackageInfo, 0, len(m.index))
	for _, pkg := range m.index {
		out = append(out, pkg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run refreshes the index immediately and then every interval until ctx is
// done. A pass already in progress runs to completion.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	log := logger.Logger()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debugf("repository sync stopped")
			return
		case <-timer.C:
		}

		if err := m.UpdatePackageIndex(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("repository sync finished with errors: %v", err)
		}
		timer.Reset(interval)
	}
}
