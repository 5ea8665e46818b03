package resolver

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/open-edge-platform/os-package-manager/internal/utils/general/slice"
)

// Cycles returns the dependency cycles among names, each sorted, longest first.
// A package that lists itself is reported as a cycle of one.
func (r *Resolver) Cycles(names []string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cyclesLocked(names)
}

func (r *Resolver) cyclesLocked(names []string) [][]string {
	names = slice.Unique(names)
	ids := make(map[string]int64, len(names))
	for i, name := range names {
		ids[name] = int64(i)
	}

	g := simple.NewDirectedGraph()
	for _, id := range ids {
		g.AddNode(simple.Node(id))
	}

	selfLoops := map[string]bool{}
	for _, name := range names {
		for _, dep := range r.packages[name].Dependencies {
			if dep == name {
				selfLoops[name] = true
				continue
			}
			to, ok := ids[dep]
			if !ok {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(ids[name]), simple.Node(to)))
		}
	}

	var cycles [][]string
	for _, scc := range topo.TarjanSCC(g) {
		members := make([]string, 0, len(scc))
		for _, n := range scc {
			members = append(members, names[n.ID()])
		}
		if len(members) == 1 && !selfLoops[members[0]] {
			continue
		}
		sort.Strings(members)
		cycles = append(cycles, members)
	}

	sort.Slice(cycles, func(i, j int) bool {
		if len(cycles[i]) != len(cycles[j]) {
			return len(cycles[i]) > len(cycles[j])
		}
		return cycles[i][0] < cycles[j][0]
	})
	return cycles
}
