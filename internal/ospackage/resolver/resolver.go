package resolver

import (
	"sort"
	"sync"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/utils/general/slice"
	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// DefaultResolutionDepth caps the number of dependencies one resolution may return.
const DefaultResolutionDepth = 50

// Resolver owns the package record table and the reverse dependency index.
// A single mutex guards both for the duration of every call.
type Resolver struct {
	mu       sync.Mutex
	depth    int
	packages map[string]ospackage.PackageInfo
	// reverse maps a package name to the set of packages that list it as a dependency.
	reverse map[string]map[string]struct{}
}

// New returns an empty resolver bounded to depth results per resolution.
// A depth below 1 selects DefaultResolutionDepth.
func New(depth int) *Resolver {
	if depth < 1 {
		depth = DefaultResolutionDepth
	}
	return &Resolver{
		depth:    depth,
		packages: make(map[string]ospackage.PackageInfo),
		reverse:  make(map[string]map[string]struct{}),
	}
}

// AddPackage inserts or replaces the record and rebuilds its edges.
func (r *Resolver) AddPackage(pkg ospackage.PackageInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(pkg)
}

// RegisterAvailable adds repository records without clobbering installed ones.
// It returns how many records were accepted.
func (r *Resolver) RegisterAvailable(pkgs ...ospackage.PackageInfo) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, pkg := range pkgs {
		if cur, ok := r.packages[pkg.Name]; ok && cur.Installed {
			continue
		}
		pkg.Installed = false
		r.addLocked(pkg)
		added++
	}
	return added
}

func (r *Resolver) addLocked(pkg ospackage.PackageInfo) {
	if old, ok := r.packages[pkg.Name]; ok {
		for _, dep := range old.Dependencies {
			if set, ok := r.reverse[dep]; ok {
				delete(set, old.Name)
				if len(set) == 0 {
					delete(r.reverse, dep)
				}
			}
		}
	}

	pkg = pkg.Clone()
	r.packages[pkg.Name] = pkg

	for _, dep := range pkg.Dependencies {
		set, ok := r.reverse[dep]
		if !ok {
			set = make(map[string]struct{})
			r.reverse[dep] = set
		}
		set[pkg.Name] = struct{}{}
	}
}

// Package returns a copy of the named record.
func (r *Resolver) Package(name string) (ospackage.PackageInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkg, ok := r.packages[name]
	if !ok {
		return ospackage.PackageInfo{}, false
	}
	return pkg.Clone(), true
}

// IsInstalled reports whether the named record exists and is marked installed.
func (r *Resolver) IsInstalled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packages[name].Installed
}

// MarkRemoved flips the installed flag of the named record off.
func (r *Resolver) MarkRemoved(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pkg, ok := r.packages[name]; ok {
		pkg.Installed = false
		r.packages[name] = pkg
	}
}

// Len returns the number of known records.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packages)
}

// InstalledCount returns the number of records marked installed.
func (r *Resolver) InstalledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pkg := range r.packages {
		if pkg.Installed {
			n++
		}
	}
	return n
}

// ResolveDependencies expands the dependencies of name breadth first.
// The result excludes name, is in discovery order, and never holds more
// than the resolution depth. Direct dependencies only when recursive is false.
func (r *Resolver) ResolveDependencies(name string, recursive bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.Logger()

	resolved := []string{}
	visited := map[string]struct{}{name: {}}
	queue := []string{name}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		pkg, ok := r.packages[current]
		if !ok {
			continue
		}
		for _, dep := range pkg.Dependencies {
			if _, seen := visited[dep]; seen {
				continue
			}
			if len(resolved) >= r.depth {
				log.Warnf("%v: %s stopped after %d dependencies", ospackage.ErrResolutionBoundExceeded, name, r.depth)
				return resolved
			}
			visited[dep] = struct{}{}
			resolved = append(resolved, dep)
			if recursive {
				queue = append(queue, dep)
			}
		}
	}
	return resolved
}

// FindReverseDependencies returns the packages that directly depend on name, sorted.
func (r *Resolver) FindReverseDependencies(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dependentsLocked(name, false)
}

// FindInstalledReverseDependencies returns the installed packages that
// directly depend on name, sorted.
func (r *Resolver) FindInstalledReverseDependencies(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dependentsLocked(name, true)
}

func (r *Resolver) dependentsLocked(name string, installedOnly bool) []string {
	out := []string{}
	for dependent := range r.reverse[name] {
		if installedOnly && !r.packages[dependent].Installed {
			continue
		}
		out = append(out, dependent)
	}
	sort.Strings(out)
	return out
}

// CheckConflicts reports whether the named package declares a conflict with
// any package currently marked installed. Unknown names never conflict.
func (r *Resolver) CheckConflicts(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pkg, ok := r.packages[name]
	if !ok {
		return false
	}
	for _, conflict := range pkg.Conflicts {
		if other, ok := r.packages[conflict]; ok && other.Installed {
			return true
		}
	}
	return false
}

// GetInstallationOrder orders candidates so every package follows its
// in-set dependencies (Kahn's algorithm, indegree restricted to candidates).
//
// Candidates caught in a dependency cycle never reach indegree zero and are
// left out of the result. They are logged, not reported as an error.
func (r *Resolver) GetInstallationOrder(candidates []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates = slice.Unique(candidates)
	inSet := slice.ToSet(candidates)

	indegree := make(map[string]int, len(candidates))
	for _, name := range candidates {
		deps := 0
		if pkg, ok := r.packages[name]; ok {
			for _, dep := range slice.Unique(pkg.Dependencies) {
				if _, ok := inSet[dep]; ok {
					deps++
				}
			}
		}
		indegree[name] = deps
	}

	var queue []string
	for _, name := range candidates {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	ordered := []string{}
	processed := make(map[string]struct{}, len(candidates))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, current)
		processed[current] = struct{}{}

		for _, dependent := range r.dependentsLocked(current, false) {
			if _, ok := inSet[dependent]; !ok {
				continue
			}
			if _, done := processed[dependent]; done {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(ordered) < len(candidates) {
		dropped := slice.Filter(candidates, func(name string) bool {
			_, ok := processed[name]
			return !ok
		})
		logger.Logger().Warnf("%v: dropped %v from installation order, cycles: %v",
			ospackage.ErrDependencyCycle, dropped, r.cyclesLocked(dropped))
	}
	return ordered
}
