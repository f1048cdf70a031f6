// Package planner implements the Iteration Planner: given an origin
// changeset and a target architecture, it produces the per-architecture
// Build Graph for a new Iteration.
//
// Grounded on distr1-distri's internal/batch/batch.go, which resolves a
// batch's package set against a gonum graph and orders it topologically
// before dispatching builds; this package generalizes that single-shot
// ordering into the origin-restricted, cycle-broken planning algorithm.
package planner

import (
	"context"
	"sort"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/depgraph"
)

// Source is the subset of sourcemirror.Mirror the planner depends on.
// Known distinguishes "never observed this pkgbase" (OriginUnknown)
// from "observed, but this branch does not exist" (BranchMissing);
// depgraph.MetadataSource alone cannot make that distinction because
// ResolveBranch is free to lazily register unseen packages.
type Source interface {
	depgraph.MetadataSource
	Known(pkgbase string) bool
}

// Result is everything the planner produces for one architecture, plus
// the resolved origin commits shared across every architecture's
// result for the same Plan call.
type Result struct {
	ResolvedOrigin []buildbtw.ResolvedRef
	BuildGraph     *buildbtw.BuildGraph
}

// ReuseChecker reports whether an artifact already exists for
// (pkgbase, commit, arch) from a prior iteration of the same
// namespace, in which case the planner seeds that node as Built
// instead of Pending/Ready (spec S6). A nil ReuseChecker (the first
// iteration of a namespace, which has no prior artifacts) disables
// reuse entirely.
type ReuseChecker func(pkgbase buildbtw.Pkgbase, commit string, arch buildbtw.Architecture) bool

// Plan executes spec §4.3 steps 1-5 for every architecture in archs,
// sharing one resolved-origin and one branch-resolved Global Dependency
// Graph across all of them (step 1 and step 2 only need to happen
// once; steps 3-5 are per-architecture).
func Plan(ctx context.Context, src Source, origin []buildbtw.BranchRef, archs []buildbtw.Architecture, reuse ReuseChecker) (map[buildbtw.Architecture]*Result, error) {
	// Step 1: resolve each origin ref, failing fast on OriginUnknown or
	// BranchMissing — both abort planning entirely (spec §4.3).
	originBranch := make(map[buildbtw.Pkgbase]string, len(origin))
	resolved := make([]buildbtw.ResolvedRef, 0, len(origin))
	for _, ref := range origin {
		if !src.Known(string(ref.Pkgbase)) {
			return nil, &buildbtw.OriginUnknown{Pkgbase: string(ref.Pkgbase)}
		}
		commit, err := src.ResolveBranch(string(ref.Pkgbase), ref.Branch)
		if err != nil {
			return nil, err
		}
		originBranch[ref.Pkgbase] = ref.Branch
		resolved = append(resolved, buildbtw.ResolvedRef{BranchRef: ref, Commit: commit})
	}

	// Step 2: build one branch-resolved graph, origin packages pinned
	// to their origin branch, everything else on the default branch.
	resolver := func(pkg string) string {
		if b, ok := originBranch[buildbtw.Pkgbase(pkg)]; ok {
			return b
		}
		return depgraph.DefaultBranch
	}
	gr, err := depgraph.Build(ctx, src, resolver)
	if err != nil {
		return nil, err
	}
	for _, ref := range origin {
		if reason := gr.InvalidReason(ref.Pkgbase); reason != nil {
			return nil, &buildbtw.MetadataInvalid{Pkgbase: string(ref.Pkgbase), Cause: reason}
		}
	}

	out := make(map[buildbtw.Architecture]*Result, len(archs))
	for _, arch := range archs {
		bg, err := planArch(gr, origin, arch, reuse)
		if err != nil {
			return nil, err
		}
		out[arch] = &Result{ResolvedOrigin: resolved, BuildGraph: bg}
	}
	return out, nil
}

// planArch executes spec §4.3 steps 3-5 for one architecture.
func planArch(gr *depgraph.Graph, origin []buildbtw.BranchRef, arch buildbtw.Architecture, reuse ReuseChecker) (*buildbtw.BuildGraph, error) {
	var seeds []buildbtw.Pkgbase
	for _, ref := range origin {
		meta := gr.Metadata(ref.Pkgbase)
		if meta == nil {
			continue // a non-origin-arch-invalid case cannot occur here; defensive only
		}
		if buildbtw.SupportsArch(meta.Architectures, arch) {
			seeds = append(seeds, ref.Pkgbase)
		}
	}

	affected := make(map[buildbtw.Pkgbase]bool, len(seeds))
	for _, s := range seeds {
		affected[s] = true
	}
	for p := range gr.TransitiveDependents(seeds, arch) {
		affected[p] = true
	}

	dropped, excluded, err := breakCycles(gr, affected)
	if err != nil {
		return nil, err
	}

	order, err := depgraph.TopologicalOrder(gr, affected, excluded)
	if err != nil {
		return nil, err
	}

	bg := &buildbtw.BuildGraph{
		Arch:         arch,
		Nodes:        make(map[buildbtw.NodeKey]*buildbtw.BuildNode, len(order)),
		Dependents:   make(map[buildbtw.NodeKey][]buildbtw.NodeKey, len(order)),
		Predecessors: make(map[buildbtw.NodeKey][]buildbtw.NodeKey, len(order)),
		DroppedEdges: dropped,
	}

	keyFor := make(map[buildbtw.Pkgbase]buildbtw.NodeKey, len(order))
	now := time.Time{}
	for _, pkg := range order {
		meta := gr.Metadata(pkg)
		commit, _ := gr.Commit(pkg)
		key := buildbtw.NodeKey{Pkgbase: pkg, Commit: commit, Arch: arch}
		keyFor[pkg] = key
		node := &buildbtw.BuildNode{
			Pkgbase:   pkg,
			Commit:    commit,
			Arch:      arch,
			Status:    buildbtw.NodePending,
			CreatedAt: now,
		}
		if meta != nil {
			node.Pkgnames = meta.Pkgnames
		}
		if reason := gr.InvalidReason(pkg); reason != nil {
			node.Status = buildbtw.NodeBlocked
		} else if reuse != nil && reuse(pkg, commit, arch) {
			// spec S6: an unchanged (pkgbase, commit, arch) whose
			// artifact survives from a prior iteration starts Built
			// rather than being replanned for a rebuild.
			node.Status = buildbtw.NodeBuilt
			node.Reused = true
			node.CompletedAt = now
		}
		bg.Nodes[key] = node
	}

	for _, pkg := range order {
		to := keyFor[pkg]
		for _, dep := range gr.DependsOn(pkg) {
			if !affected[dep] || excluded[depgraph.EdgeKey{From: dep, To: pkg}] {
				continue
			}
			from := keyFor[dep]
			bg.Predecessors[to] = append(bg.Predecessors[to], from)
			bg.Dependents[from] = append(bg.Dependents[from], to)
		}
	}

	// Nodes whose (non-excluded) predecessors are all already Built --
	// whether because they have none, or because reuse seeded them
	// Built above -- start Ready instead of Pending (spec §4.3 step 5).
	// order is topological, so each node's predecessors have already
	// had their final status decided by the time it is visited here,
	// letting a reused Built node cascade readiness to its dependents
	// in the same pass (spec S6).
	for _, pkg := range order {
		key := keyFor[pkg]
		node := bg.Nodes[key]
		if node.Status == buildbtw.NodeBlocked || node.Status == buildbtw.NodeBuilt {
			continue
		}
		ready := true
		for _, pred := range bg.Predecessors[key] {
			if bg.Nodes[pred].Status != buildbtw.NodeBuilt {
				ready = false
				break
			}
		}
		if ready {
			node.Status = buildbtw.NodeReady
			node.ReadyAt = now
		}
	}

	return bg, nil
}

// breakCycles applies the documented tie-break policy (spec §4.3 step
// 4) repeatedly until the subgraph restricted to affected is acyclic:
// drop the edge whose source has the largest in-degree within the
// cycle, ties broken by lexicographic pkgbase of the source, then the
// destination.
func breakCycles(gr *depgraph.Graph, affected map[buildbtw.Pkgbase]bool) ([]buildbtw.DroppedEdge, map[depgraph.EdgeKey]bool, error) {
	excluded := make(map[depgraph.EdgeKey]bool)
	var dropped []buildbtw.DroppedEdge

	for {
		cycles := depgraph.FindCycles(gr, affected, excluded)
		if len(cycles) == 0 {
			return dropped, excluded, nil
		}
		for _, cycle := range cycles {
			members := make(map[buildbtw.Pkgbase]bool, len(cycle))
			for _, p := range cycle {
				members[p] = true
			}
			edge, ok := pickEdgeToDrop(gr, members, excluded)
			if !ok {
				return nil, nil, &buildbtw.CycleUnbreakable{Members: pkgbaseStrings(cycle)}
			}
			excluded[edge] = true
			dropped = append(dropped, buildbtw.DroppedEdge{
				From:   edge.From,
				To:     edge.To,
				Reason: "cycle-breaking: dropped edge from largest in-degree source",
			})
		}
	}
}

// pickEdgeToDrop finds, among edges with both endpoints in members and
// not already excluded, the one whose source has the largest in-degree
// within members; ties broken lexicographically by (source, dest).
func pickEdgeToDrop(gr *depgraph.Graph, members map[buildbtw.Pkgbase]bool, excluded map[depgraph.EdgeKey]bool) (depgraph.EdgeKey, bool) {
	var candidates []depgraph.EdgeKey
	for pkg := range members {
		for _, dep := range gr.DependsOn(pkg) {
			if !members[dep] {
				continue
			}
			key := depgraph.EdgeKey{From: dep, To: pkg}
			if excluded[key] {
				continue
			}
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return depgraph.EdgeKey{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := gr.InDegreeWithin(candidates[i].From, members, excluded)
		dj := gr.InDegreeWithin(candidates[j].From, members, excluded)
		if di != dj {
			return di > dj
		}
		if candidates[i].From != candidates[j].From {
			return candidates[i].From < candidates[j].From
		}
		return candidates[i].To < candidates[j].To
	})
	return candidates[0], true
}

func pkgbaseStrings(pkgs []buildbtw.Pkgbase) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = string(p)
	}
	return out
}
