// Package reconciler runs the periodic control loop that keeps every
// Active namespace's current iteration in sync with its sources: it
// refreshes the Source Mirror, detects changed commits, and triggers
// the planner when a new Iteration is warranted.
//
// Grounded on distr1-distri's cmd/autobuilder/autobuilder.go, whose
// main loop polls on a flag.Duration interval with a `for { ...;
// select { case <-time.After(interval): } }` idiom; this package keeps
// that polling shape but reconciles every namespace concurrently
// instead of one hardcoded repository.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/iterrepo"
	"github.com/buildbtw/buildbtw/internal/planner"
	"github.com/buildbtw/buildbtw/internal/schedule"
	"github.com/buildbtw/buildbtw/internal/sourcemirror"
	"github.com/buildbtw/buildbtw/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Engines exposes the live schedule.Engine for one iteration so the
// HTTP API can hand out assignments and accept status reports against
// it. The reconciler owns engine lifetime: it creates one when an
// iteration is planned and cancels the old one on supersession.
type Engines struct {
	mu  sync.RWMutex
	key map[string]*schedule.Engine // "<iterationID>/<arch>" -> engine
}

func NewEngines() *Engines { return &Engines{key: make(map[string]*schedule.Engine)} }

func engineKey(iterationID string, arch buildbtw.Architecture) string {
	return iterationID + "/" + string(arch)
}

// Get returns the engine for (iterationID, arch), or nil if none is
// registered (e.g. a superseded iteration, or an unplanned arch).
func (e *Engines) Get(iterationID string, arch buildbtw.Architecture) *schedule.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key[engineKey(iterationID, arch)]
}

func (e *Engines) set(iterationID string, arch buildbtw.Architecture, eng *schedule.Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key[engineKey(iterationID, arch)] = eng
}

// CancelIteration cancels every architecture's engine for iterationID,
// used when a new iteration supersedes it.
func (e *Engines) CancelIteration(iterationID string, archs []buildbtw.Architecture) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, arch := range archs {
		if eng := e.key[engineKey(iterationID, arch)]; eng != nil {
			eng.Cancel()
		}
	}
}

// WorkerAssignment pairs a schedule.Assignment with the iteration it
// belongs to, the information a polling worker needs to report status
// back against the right engine (see httpapi.handleNodeStatus).
type WorkerAssignment struct {
	IterationID string
	Assignment  schedule.Assignment
}

// NextAcrossAll claims at most one assignment across every registered
// engine, in a deterministic order so two callers racing to drain
// different engines never starve a later one. A poll claims exactly
// one Ready node and returns immediately -- claiming every
// currently-Ready node in one call would strand every claim beyond
// the first, since only one is returned to the long-polling caller
// (spec §9: assignment is a single atomic claim).
func (e *Engines) NextAcrossAll(executorRef func() string) (WorkerAssignment, bool) {
	e.mu.RLock()
	keys := make([]string, 0, len(e.key))
	engines := make(map[string]*schedule.Engine, len(e.key))
	for k, eng := range e.key {
		keys = append(keys, k)
		engines[k] = eng
	}
	e.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		a, ok := engines[k].NextAssignment(executorRef)
		if !ok {
			continue
		}
		iterationID := strings.SplitN(k, "/", 2)[0]
		return WorkerAssignment{IterationID: iterationID, Assignment: a}, true
	}
	return WorkerAssignment{}, false
}

// Reconciler is the periodic control loop described by spec §4.5.
type Reconciler struct {
	Store                    store.Store
	Mirror                   *sourcemirror.Mirror
	Engines                  *Engines
	Repo                     *iterrepo.Repository
	Archs                    []buildbtw.Architecture
	Interval                 time.Duration
	MaxConcurrentAssignments int
	Log                      *log.Logger

	mu       sync.Mutex
	inFlight map[string]bool // namespace ID -> reconciliation in progress
}

func New(st store.Store, mirror *sourcemirror.Mirror, engines *Engines, repo *iterrepo.Repository, archs []buildbtw.Architecture, interval time.Duration) *Reconciler {
	return &Reconciler{
		Store:    st,
		Mirror:   mirror,
		Engines:  engines,
		Repo:     repo,
		Archs:    archs,
		Interval: interval,
		Log:      log.New(log.Writer(), "reconciler: ", log.LstdFlags),
		inFlight: make(map[string]bool),
	}
}

// Run blocks, reconciling every Active namespace once per Interval,
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if err := r.Tick(ctx); err != nil {
			r.Log.Printf("tick: %+v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Interval):
		}
	}
}

// Tick reconciles every Active namespace once, concurrently, and
// returns the first error encountered (spec §4.5 concurrency: at most
// one reconciliation per namespace in flight; namespaces reconcile in
// parallel).
func (r *Reconciler) Tick(ctx context.Context) error {
	namespaces, err := r.Store.ListNamespaces(ctx)
	if err != nil {
		return xerrors.Errorf("listing namespaces: %w", err)
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, ns := range namespaces {
		ns := ns
		if ns.Status != buildbtw.NamespaceActive {
			continue
		}
		if !r.claim(ns.ID) {
			continue
		}
		eg.Go(func() error {
			defer r.release(ns.ID)
			return r.reconcileNamespace(egCtx, ns)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	// Record that a full pass over every namespace completed, the
	// gitlab_last_updated watermark named in the persisted state
	// layout (spec §6), so an operator can see the reconciler is alive
	// without it implying any namespace actually changed.
	return r.Store.SetWatermark(ctx, time.Now())
}

func (r *Reconciler) claim(namespaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[namespaceID] {
		return false
	}
	r.inFlight[namespaceID] = true
	return true
}

func (r *Reconciler) release(namespaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, namespaceID)
}

// reconcileNamespace implements spec §4.5 steps 1-2 for one namespace.
func (r *Reconciler) reconcileNamespace(ctx context.Context, ns *buildbtw.Namespace) error {
	current, err := r.Store.LatestIteration(ctx, ns.ID)
	if err != nil {
		return xerrors.Errorf("loading latest iteration for %s: %w", ns.Name, err)
	}

	watched := watchedPackages(ns, current)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, pkg := range watched {
		pkg := pkg
		eg.Go(func() error {
			_, err := r.Mirror.Refresh(egCtx, pkg)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return xerrors.Errorf("refreshing sources for %s: %w", ns.Name, err)
	}

	changed, err := r.detectChange(ns, current)
	if err != nil {
		return err
	}
	if changed == "" {
		return nil // idempotent: no source changes, no writes (spec testable property 5)
	}

	return r.CreateIteration(ctx, ns, changed)
}

// watchedPackages is every pkgbase the reconciler must refresh before
// it can detect whether ns needs a new iteration: the origin
// changesets, plus every node of the current iteration's build graphs
// when an iteration exists.
func watchedPackages(ns *buildbtw.Namespace, current *buildbtw.Iteration) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(pkg string) {
		if !seen[pkg] {
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	for _, ref := range ns.OriginChangesets {
		add(string(ref.Pkgbase))
	}
	if current != nil {
		for _, bg := range current.BuildGraphs {
			for key := range bg.Nodes {
				add(string(key.Pkgbase))
			}
		}
	}
	sort.Strings(out)
	return out
}

// detectChange implements spec §4.5 step 2: a changed origin commit,
// or a changed non-origin dependency commit for a package already in
// the build graph, both warrant a new iteration. Returns a non-empty,
// human-readable create_reason describing which packages changed, or
// "" if nothing changed.
func (r *Reconciler) detectChange(ns *buildbtw.Namespace, current *buildbtw.Iteration) (string, error) {
	originCommit := make(map[buildbtw.Pkgbase]string, len(ns.OriginChangesets))
	for _, ref := range ns.OriginChangesets {
		commit, err := r.Mirror.ResolveBranch(string(ref.Pkgbase), ref.Branch)
		if err != nil {
			return "", err
		}
		originCommit[ref.Pkgbase] = commit
	}

	if current == nil {
		return "first iteration", nil
	}

	priorOrigin := make(map[buildbtw.Pkgbase]string, len(current.OriginChangesets))
	for _, ref := range current.OriginChangesets {
		priorOrigin[ref.Pkgbase] = ref.Commit
	}

	var changedPkgs []string
	for pkg, commit := range originCommit {
		if priorOrigin[pkg] != commit {
			changedPkgs = append(changedPkgs, string(pkg))
		}
	}

	isOrigin := make(map[buildbtw.Pkgbase]bool, len(ns.OriginChangesets))
	for _, ref := range ns.OriginChangesets {
		isOrigin[ref.Pkgbase] = true
	}
	for _, bg := range current.BuildGraphs {
		for key := range bg.Nodes {
			if isOrigin[key.Pkgbase] {
				continue
			}
			commit, err := r.Mirror.ResolveBranch(string(key.Pkgbase), sourcemirror_defaultBranch)
			if err != nil {
				continue // a dependency losing its default branch does not itself trigger replanning
			}
			if commit != key.Commit {
				changedPkgs = append(changedPkgs, string(key.Pkgbase))
			}
		}
	}

	if len(changedPkgs) == 0 {
		return "", nil
	}
	sort.Strings(changedPkgs)
	return fmt.Sprintf("changed: %v", changedPkgs), nil
}

// sourcemirror_defaultBranch mirrors depgraph.DefaultBranch without
// importing depgraph here, keeping the reconciler's dependency on the
// planner package one-directional.
const sourcemirror_defaultBranch = "main"

// CreateIteration plans and persists a new Iteration for ns, superseding
// (cancelling) the previous one's in-flight nodes. The HTTP API calls
// this directly when a namespace is created, bypassing the
// change-detection check (spec §4.5 concurrency note).
func (r *Reconciler) CreateIteration(ctx context.Context, ns *buildbtw.Namespace, createReason string) error {
	prior, err := r.Store.LatestIteration(ctx, ns.ID)
	if err != nil {
		return xerrors.Errorf("loading prior iteration for %s: %w", ns.Name, err)
	}

	newIterationID := uuid.NewString()
	results, err := planner.Plan(ctx, r.Mirror, ns.OriginChangesets, r.Archs, r.reuseChecker(ctx, ns.Name, prior, newIterationID))
	if err != nil {
		return xerrors.Errorf("planning iteration for %s: %w", ns.Name, err)
	}

	it := &buildbtw.Iteration{
		ID:           newIterationID,
		NamespaceID:  ns.ID,
		CreatedAt:    time.Now(),
		CreateReason: createReason,
		BuildGraphs:  make(map[buildbtw.Architecture]*buildbtw.BuildGraph, len(results)),
	}
	var origin []buildbtw.ResolvedRef
	for _, res := range results {
		origin = res.ResolvedOrigin
		break
	}
	it.OriginChangesets = origin
	for arch, res := range results {
		it.BuildGraphs[arch] = res.BuildGraph
	}

	if err := r.Store.CreateIteration(ctx, it); err != nil {
		return xerrors.Errorf("persisting iteration for %s: %w", ns.Name, err)
	}

	if prior != nil {
		r.Engines.CancelIteration(prior.ID, r.Archs)
	}
	for arch, bg := range it.BuildGraphs {
		eng := schedule.NewEngine(bg, r.MaxConcurrentAssignments)
		r.Engines.set(it.ID, arch, eng)
	}

	r.Log.Printf("namespace %s: created iteration %s (%s)", ns.Name, it.ID, createReason)
	return nil
}

// reuseChecker builds the planner.ReuseChecker that seeds spec S6's
// cross-iteration artifact reuse: a node is reused only if prior
// reached Built for the exact same (pkgbase, commit, arch) and its
// output files actually copy into the new iteration's repository
// directory (a Built status with a since-deleted artifact on disk
// must not be trusted). Returns nil for a namespace's first iteration,
// which has no prior artifacts to reuse.
func (r *Reconciler) reuseChecker(ctx context.Context, namespace string, prior *buildbtw.Iteration, newIterationID string) planner.ReuseChecker {
	if prior == nil || r.Repo == nil {
		return nil
	}
	return func(pkgbase buildbtw.Pkgbase, commit string, arch buildbtw.Architecture) bool {
		bg := prior.BuildGraphs[arch]
		if bg == nil {
			return false
		}
		node := bg.Nodes[buildbtw.NodeKey{Pkgbase: pkgbase, Commit: commit, Arch: arch}]
		if node == nil || node.Status != buildbtw.NodeBuilt || len(node.OutputFiles) == 0 {
			return false
		}
		for _, name := range node.OutputFiles {
			if err := r.Repo.CopyArtifact(ctx, namespace, prior.ID, newIterationID, string(arch), name); err != nil {
				r.Log.Printf("namespace %s: not reusing %s@%s (%s): %v", namespace, pkgbase, commit, arch, err)
				return false
			}
		}
		return true
	}
}
