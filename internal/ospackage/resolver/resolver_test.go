package resolver_test

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/resolver"
)

func pkg(name string, deps ...string) ospackage.PackageInfo {
	return ospackage.PackageInfo{Name: name, Version: "1.0", Dependencies: deps}
}

func newResolver(pkgs ...ospackage.PackageInfo) *resolver.Resolver {
	r := resolver.New(0)
	for _, p := range pkgs {
		r.AddPackage(p)
	}
	return r
}

func TestResolveDependencies(t *testing.T) {
	testCases := []struct {
		name      string
		all       []ospackage.PackageInfo
		target    string
		recursive bool
		want      []string
	}{
		{
			name:      "SimpleChain",
			all:       []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "C"), pkg("C")},
			target:    "A",
			recursive: true,
			want:      []string{"B", "C"},
		},
		{
			name:      "NonRecursive",
			all:       []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "C"), pkg("C")},
			target:    "A",
			recursive: false,
			want:      []string{"B"},
		},
		{
			name:      "DiamondBreadthFirst",
			all:       []ospackage.PackageInfo{pkg("A", "B", "C"), pkg("B", "D"), pkg("C", "D"), pkg("D")},
			target:    "A",
			recursive: true,
			want:      []string{"B", "C", "D"},
		},
		{
			name:      "CycleBackToTarget",
			all:       []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "A")},
			target:    "A",
			recursive: true,
			want:      []string{"B"},
		},
		{
			name:      "UnknownDependencyListedButNotExpanded",
			all:       []ospackage.PackageInfo{pkg("A", "ghost")},
			target:    "A",
			recursive: true,
			want:      []string{"ghost"},
		},
		{
			name:      "UnknownTarget",
			all:       []ospackage.PackageInfo{pkg("A")},
			target:    "missing",
			recursive: true,
			want:      []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newResolver(tc.all...)
			got := r.ResolveDependencies(tc.target, tc.recursive)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ResolveDependencies(%s) = %v; want %v", tc.target, got, tc.want)
			}
		})
	}
}

func TestResolveDependenciesRespectsDepthBound(t *testing.T) {
	r := resolver.New(5)
	// chain P0 -> P1 -> ... -> P19
	for i := 0; i < 20; i++ {
		var deps []string
		if i < 19 {
			deps = []string{fmt.Sprintf("P%d", i+1)}
		}
		r.AddPackage(pkg(fmt.Sprintf("P%d", i), deps...))
	}
	// wide fan-out in a single record
	wide := pkg("W")
	for i := 0; i < 30; i++ {
		wide.Dependencies = append(wide.Dependencies, fmt.Sprintf("leaf%d", i))
	}
	r.AddPackage(wide)

	if got := r.ResolveDependencies("P0", true); len(got) != 5 {
		t.Errorf("chain resolution returned %d entries, want 5: %v", len(got), got)
	}
	got := r.ResolveDependencies("W", true)
	if len(got) != 5 {
		t.Errorf("fan-out resolution returned %d entries, want 5", len(got))
	}
	if got[0] != "leaf0" || got[4] != "leaf4" {
		t.Errorf("bound should keep discovery order, got %v", got)
	}
}

func TestReverseDependenciesTrackReplacement(t *testing.T) {
	r := newResolver(pkg("A", "B"), pkg("C", "B"), pkg("B"))

	if got := r.FindReverseDependencies("B"); !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("reverse deps of B = %v", got)
	}

	// A no longer depends on B once superseded.
	r.AddPackage(pkg("A", "D"))
	if got := r.FindReverseDependencies("B"); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("reverse deps of B after replacement = %v", got)
	}
	if got := r.FindReverseDependencies("D"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("reverse deps of D = %v", got)
	}

	// idempotent on identical input
	r.AddPackage(pkg("C", "B"))
	r.AddPackage(pkg("C", "B"))
	if got := r.FindReverseDependencies("B"); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("repeated AddPackage changed reverse deps: %v", got)
	}
	if got := r.FindReverseDependencies("nobody"); len(got) != 0 {
		t.Errorf("expected empty reverse deps, got %v", got)
	}
}

func TestFindInstalledReverseDependencies(t *testing.T) {
	a := pkg("A", "B")
	a.Installed = true
	r := newResolver(a, pkg("C", "B"), pkg("B"))

	if got := r.FindInstalledReverseDependencies("B"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("installed reverse deps of B = %v", got)
	}
	r.MarkRemoved("A")
	if got := r.FindInstalledReverseDependencies("B"); len(got) != 0 {
		t.Errorf("expected no installed dependents after removal, got %v", got)
	}
}

func TestCheckConflicts(t *testing.T) {
	x := pkg("X")
	x.Conflicts = []string{"Y"}
	y := pkg("Y")

	r := newResolver(x, y)
	if r.CheckConflicts("X") {
		t.Error("Y not installed, X must not conflict")
	}

	y.Installed = true
	r.AddPackage(y)
	if !r.CheckConflicts("X") {
		t.Error("Y installed, X must conflict")
	}
	if r.CheckConflicts("unknown") {
		t.Error("unknown package must not conflict")
	}
}

func TestRegisterAvailableKeepsInstalledRecords(t *testing.T) {
	installed := pkg("A", "B")
	installed.Installed = true
	r := newResolver(installed)

	fromRepo := pkg("A", "C")
	fromRepo.Version = "2.0"
	added := r.RegisterAvailable(fromRepo, pkg("B"))
	if added != 1 {
		t.Errorf("RegisterAvailable accepted %d records, want 1", added)
	}
	got, _ := r.Package("A")
	if !got.Installed || got.Version != "1.0" {
		t.Errorf("installed record was replaced: %+v", got)
	}
	if r.InstalledCount() != 1 || r.Len() != 2 {
		t.Errorf("unexpected counts installed=%d len=%d", r.InstalledCount(), r.Len())
	}
}

func TestGetInstallationOrder(t *testing.T) {
	testCases := []struct {
		name       string
		all        []ospackage.PackageInfo
		candidates []string
		want       []string
	}{
		{
			name:       "DependencyFirst",
			all:        []ospackage.PackageInfo{pkg("A", "B"), pkg("B")},
			candidates: []string{"A", "B"},
			want:       []string{"B", "A"},
		},
		{
			name:       "Chain",
			all:        []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "C"), pkg("C")},
			candidates: []string{"B", "C", "A"},
			want:       []string{"C", "B", "A"},
		},
		{
			name:       "OutOfSetDependenciesIgnored",
			all:        []ospackage.PackageInfo{pkg("A", "B", "libc"), pkg("B", "libc")},
			candidates: []string{"A", "B"},
			want:       []string{"B", "A"},
		},
		{
			name:       "UnknownCandidateIsReady",
			all:        []ospackage.PackageInfo{pkg("A", "ghost")},
			candidates: []string{"A", "ghost"},
			want:       []string{"ghost", "A"},
		},
		{
			name:       "DuplicateAndRepeatedDependency",
			all:        []ospackage.PackageInfo{pkg("A", "B", "B"), pkg("B")},
			candidates: []string{"A", "B", "A"},
			want:       []string{"B", "A"},
		},
		{
			// Specified behaviour: members of a cycle confined to the
			// candidate set are silently omitted.
			name:       "TwoCycleDropped",
			all:        []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "A")},
			candidates: []string{"A", "B"},
			want:       []string{},
		},
		{
			name:       "CycleDroppedOthersKept",
			all:        []ospackage.PackageInfo{pkg("A", "B"), pkg("B", "A"), pkg("C"), pkg("D", "C")},
			candidates: []string{"A", "B", "C", "D"},
			want:       []string{"C", "D"},
		},
		{
			name:       "SelfDependencyDropped",
			all:        []ospackage.PackageInfo{pkg("A", "A"), pkg("B")},
			candidates: []string{"A", "B"},
			want:       []string{"B"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newResolver(tc.all...)
			got := r.GetInstallationOrder(tc.candidates)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("GetInstallationOrder(%v) = %v; want %v", tc.candidates, got, tc.want)
			}
		})
	}
}

func TestInstallationOrderRespectsDependencies(t *testing.T) {
	all := []ospackage.PackageInfo{
		pkg("app", "web", "db", "log"),
		pkg("web", "http", "log"),
		pkg("db", "log", "zlib"),
		pkg("http", "tls", "zlib"),
		pkg("tls", "zlib"),
		pkg("log"),
		pkg("zlib"),
	}
	r := newResolver(all...)
	candidates := append(r.ResolveDependencies("app", true), "app")
	order := r.GetInstallationOrder(candidates)
	if len(order) != len(candidates) {
		t.Fatalf("acyclic closure should be fully ordered: %v", order)
	}

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	for _, p := range all {
		for _, dep := range p.Dependencies {
			if pos[dep] >= pos[p.Name] {
				t.Errorf("%s placed before its dependency %s in %v", p.Name, dep, order)
			}
		}
	}
}

func TestCycles(t *testing.T) {
	r := newResolver(pkg("A", "B"), pkg("B", "C"), pkg("C", "A"), pkg("S", "S"), pkg("D", "A"))
	got := r.Cycles([]string{"A", "B", "C", "S", "D"})
	want := [][]string{{"A", "B", "C"}, {"S"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Cycles = %v; want %v", got, want)
	}
}

func TestResolverConcurrentAccess(t *testing.T) {
	r := resolver.New(0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				name := fmt.Sprintf("p%d-%d", w, i)
				r.AddPackage(pkg(name, "base"))
				r.ResolveDependencies(name, true)
				r.FindReverseDependencies("base")
				r.CheckConflicts(name)
			}
		}(w)
	}
	wg.Wait()

	if got := len(r.FindReverseDependencies("base")); got != 800 {
		t.Errorf("expected 800 dependents of base, got %d", got)
	}
}
