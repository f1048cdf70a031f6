// Package depgraph builds the Global Dependency Graph: a directed graph
// over pkgbase vertices where A -> B means some pkgname produced by B
// depends on a pkgname (or provides target) produced by A.
//
// Grounded on distr1-distri's internal/batch/batch.go, which builds an
// equivalent (unbranched) graph with gonum's simple.DirectedGraph and
// breaks cycles with topo.Sort/topo.Unorderable. This package
// generalizes that one-shot, single-branch construction into a
// branch-resolved, queryable graph.
package depgraph

import (
	"context"
	"sort"
	"sync"

	buildbtw "github.com/buildbtw/buildbtw"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// MetadataSource is the subset of sourcemirror.Mirror this package
// depends on, named as an interface so tests can supply an in-memory
// double without constructing a real Mirror.
type MetadataSource interface {
	KnownPackages() []string
	ResolveBranch(pkg, branch string) (string, error)
	ReadMetadata(ctx context.Context, pkg, commit string) (*buildbtw.PackageMetadata, error)
}

// BranchResolver picks which branch of pkgbase to resolve when building
// the graph. The default implementation always returns "main"; the
// planner wraps it to override origin packages with their origin
// branch (spec §4.3 step 2).
type BranchResolver func(pkgbase string) (branch string)

// DefaultBranch is the branch used for any pkgbase not named by an
// origin changeset.
const DefaultBranch = "main"

type vertex struct {
	id      int64
	pkgbase buildbtw.Pkgbase
}

func (v *vertex) ID() int64 { return v.id }

// Graph is an immutable, branch-resolved snapshot of the dependency
// graph. Once built, a Graph is safe for concurrent read-only use by any
// number of goroutines — callers publish a new Graph via an atomic
// pointer swap rather than mutating one in place (spec §9).
type Graph struct {
	g          *simple.DirectedGraph
	byPkgbase  map[buildbtw.Pkgbase]*vertex
	metadata   map[buildbtw.Pkgbase]*buildbtw.PackageMetadata
	commits    map[buildbtw.Pkgbase]string
	invalid    map[buildbtw.Pkgbase]error
	unresolved map[buildbtw.Pkgbase][]buildbtw.Pkgname // dependency names that resolved to no owner
}

// Metadata returns the metadata used to place pkg in the graph, or nil
// if pkg's metadata was invalid or pkg is unknown.
func (gr *Graph) Metadata(pkg buildbtw.Pkgbase) *buildbtw.PackageMetadata { return gr.metadata[pkg] }

// Commit returns the resolved commit used for pkg in this graph.
func (gr *Graph) Commit(pkg buildbtw.Pkgbase) (string, bool) {
	c, ok := gr.commits[pkg]
	return c, ok
}

// InvalidReason returns the error recorded for pkg if its metadata
// failed to parse, nil otherwise.
func (gr *Graph) InvalidReason(pkg buildbtw.Pkgbase) error { return gr.invalid[pkg] }

// Vertices returns every pkgbase in the graph, sorted for determinism.
func (gr *Graph) Vertices() []buildbtw.Pkgbase {
	out := make([]buildbtw.Pkgbase, 0, len(gr.byPkgbase))
	for p := range gr.byPkgbase {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DependsOn returns the pkgbases pkg directly depends on (edges
// pointing away from pkg in the "A -> B means B depends on A"
// convention means pkg's predecessors; DependsOn walks pkg's outgoing
// edges in the underlying gonum graph, which we store as dependency ->
// dependent, so DependsOn follows "From" on the dependent's node).
func (gr *Graph) DependsOn(pkg buildbtw.Pkgbase) []buildbtw.Pkgbase {
	v, ok := gr.byPkgbase[pkg]
	if !ok {
		return nil
	}
	var out []buildbtw.Pkgbase
	for it := gr.g.To(v.ID()); it.Next(); {
		out = append(out, it.Node().(*vertex).pkgbase)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dependents returns the pkgbases that directly depend on pkg.
func (gr *Graph) Dependents(pkg buildbtw.Pkgbase) []buildbtw.Pkgbase {
	v, ok := gr.byPkgbase[pkg]
	if !ok {
		return nil
	}
	var out []buildbtw.Pkgbase
	for it := gr.g.From(v.ID()); it.Next(); {
		out = append(out, it.Node().(*vertex).pkgbase)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// archSupported reports whether pkg's metadata declares support for
// arch. Packages with invalid or missing metadata are treated as not
// supporting any architecture.
func (gr *Graph) archSupported(pkg buildbtw.Pkgbase, arch buildbtw.Architecture) bool {
	meta := gr.metadata[pkg]
	if meta == nil {
		return false
	}
	return buildbtw.SupportsArch(meta.Architectures, arch)
}

// TransitiveDependents returns the set of pkgbases transitively
// depending on any member of seeds, restricted to the subgraph of nodes
// that declare support for arch (spec §4.2, §4.3 step 3): a dependent is
// only included if it is reachable from seeds via a chain of edges all
// of whose endpoints support arch.
func (gr *Graph) TransitiveDependents(seeds []buildbtw.Pkgbase, arch buildbtw.Architecture) map[buildbtw.Pkgbase]bool {
	visited := make(map[buildbtw.Pkgbase]bool)
	var queue []buildbtw.Pkgbase
	for _, s := range seeds {
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		pkg := queue[0]
		queue = queue[1:]
		for _, dep := range gr.Dependents(pkg) {
			if !gr.archSupported(dep, arch) {
				continue
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			queue = append(queue, dep)
		}
	}
	return visited
}

// EdgeKey names one dependency edge (From is depended upon by To),
// used to describe edges the planner's cycle-breaking policy has
// dropped so subsequent passes can exclude them.
type EdgeKey struct {
	From, To buildbtw.Pkgbase
}

func subgraph(gr *Graph, subset map[buildbtw.Pkgbase]bool, excluded map[EdgeKey]bool) *simple.DirectedGraph {
	sub := simple.NewDirectedGraph()
	ids := make(map[buildbtw.Pkgbase]int64)
	var nextID int64
	nodeFor := func(pkg buildbtw.Pkgbase) *vertex {
		id, ok := ids[pkg]
		if !ok {
			id = nextID
			nextID++
			ids[pkg] = id
			v := &vertex{id: id, pkgbase: pkg}
			sub.AddNode(v)
			return v
		}
		return sub.Node(id).(*vertex)
	}
	for pkg := range subset {
		nodeFor(pkg)
	}
	for pkg := range subset {
		for _, dep := range gr.DependsOn(pkg) {
			if !subset[dep] {
				continue
			}
			if excluded[EdgeKey{From: dep, To: pkg}] {
				continue
			}
			sub.SetEdge(sub.NewEdge(nodeFor(dep), nodeFor(pkg)))
		}
	}
	return sub
}

// TopologicalOrder returns subset ordered such that every pkgbase
// appears after everything it depends on, restricted to subset and
// with any edge named in excluded removed first. It assumes the caller
// has already broken cycles within subset (see planner.BreakCycles);
// an unbroken cycle returns an error.
func TopologicalOrder(gr *Graph, subset map[buildbtw.Pkgbase]bool, excluded map[EdgeKey]bool) ([]buildbtw.Pkgbase, error) {
	sub := subgraph(gr, subset, excluded)
	ordered, err := topo.Sort(sub)
	if err != nil {
		return nil, err
	}
	out := make([]buildbtw.Pkgbase, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, n.(*vertex).pkgbase)
	}
	return out, nil
}

// FindCycles returns the strongly-connected components of size > 1 in
// the subgraph restricted to subset (with excluded edges removed),
// used by the planner to drive its cycle-breaking policy.
func FindCycles(gr *Graph, subset map[buildbtw.Pkgbase]bool, excluded map[EdgeKey]bool) [][]buildbtw.Pkgbase {
	sub := subgraph(gr, subset, excluded)
	var cycles [][]buildbtw.Pkgbase
	for _, scc := range topo.TarjanSCC(sub) {
		if len(scc) < 2 {
			continue
		}
		var names []buildbtw.Pkgbase
		for _, n := range scc {
			names = append(names, n.(*vertex).pkgbase)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		cycles = append(cycles, names)
	}
	return cycles
}

// InDegreeWithin returns pkg's in-degree counting only edges whose
// source is also in subset and not in excluded, used by the planner's
// cycle-breaking tie-break.
func (gr *Graph) InDegreeWithin(pkg buildbtw.Pkgbase, subset map[buildbtw.Pkgbase]bool, excluded map[EdgeKey]bool) int {
	n := 0
	for _, dep := range gr.DependsOn(pkg) {
		if !subset[dep] {
			continue
		}
		if excluded[EdgeKey{From: dep, To: pkg}] {
			continue
		}
		n++
	}
	return n
}

// Build constructs a branch-resolved Global Dependency Graph. Vertex set
// is every pkgbase the MetadataSource has observed whose branch resolves
// (spec §4.2 algorithm); a pkgbase whose branch fails to resolve gets no
// vertex, only an InvalidReason. Metadata reads happen concurrently
// since distinct commits are independent to read (spec §4.1).
func Build(ctx context.Context, src MetadataSource, resolve BranchResolver) (*Graph, error) {
	pkgs := src.KnownPackages()

	gr := &Graph{
		g:          simple.NewDirectedGraph(),
		byPkgbase:  make(map[buildbtw.Pkgbase]*vertex),
		metadata:   make(map[buildbtw.Pkgbase]*buildbtw.PackageMetadata),
		commits:    make(map[buildbtw.Pkgbase]string),
		invalid:    make(map[buildbtw.Pkgbase]error),
		unresolved: make(map[buildbtw.Pkgbase][]buildbtw.Pkgname),
	}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	for idx, pkg := range pkgs {
		idx, pkg := idx, pkg
		eg.Go(func() error {
			branch := resolve(pkg)
			commit, err := src.ResolveBranch(pkg, branch)
			if err != nil {
				mu.Lock()
				gr.invalid[buildbtw.Pkgbase(pkg)] = err
				mu.Unlock()
				return nil
			}
			meta, err := src.ReadMetadata(ctx, pkg, commit)
			mu.Lock()
			defer mu.Unlock()
			v := &vertex{id: int64(idx), pkgbase: buildbtw.Pkgbase(pkg)}
			gr.byPkgbase[v.pkgbase] = v
			gr.g.AddNode(v)
			gr.commits[v.pkgbase] = commit
			if err != nil {
				gr.invalid[v.pkgbase] = err
				return nil
			}
			gr.metadata[v.pkgbase] = meta
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Build the pkgname/provides -> pkgbase index, then add edges.
	owner := make(map[buildbtw.Pkgname]buildbtw.Pkgbase)
	for pkg, meta := range gr.metadata {
		for _, name := range meta.Pkgnames {
			owner[name] = pkg
		}
		for _, name := range meta.Provides {
			if _, taken := owner[name]; !taken {
				owner[name] = pkg
			}
		}
	}
	for pkg, meta := range gr.metadata {
		for _, dep := range meta.AllDepends() {
			depOwner, ok := owner[dep]
			if !ok {
				gr.unresolved[pkg] = append(gr.unresolved[pkg], dep)
				continue // external-system package, no edge (spec §4.2)
			}
			if depOwner == pkg {
				continue // skip self-edges
			}
			from := gr.byPkgbase[depOwner]
			to := gr.byPkgbase[pkg]
			gr.g.SetEdge(gr.g.NewEdge(from, to))
		}
	}

	return gr, nil
}
