// Package sourcemirror maintains a local view of every package source
// repository's branches and metadata. It is the only component that
// talks to the forge for branch resolution, and the only component that
// invokes the (external) package-source metadata parser, so every other
// component can treat package metadata as a pure, memoized lookup.
//
// Grounded on distr1-distri's per-package build.textproto reads in
// internal/batch/batch.go, generalized to a shared, concurrency-safe
// cache keyed by (pkgbase, commit) instead of a one-shot batch scan.
package sourcemirror

import (
	"context"
	"sync"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/forge"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

// MetadataParser produces a structured view of one package definition at
// one commit. It is an external collaborator (spec §1); buildbtw only
// depends on this function signature.
type MetadataParser func(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error)

// pkgState holds the per-pkgbase mutable state: at most one fetch/refresh
// may be in flight at a time (spec §4.1 concurrency), guarded by mu.
type pkgState struct {
	mu       sync.Mutex
	branches map[string]string // branch -> commit, last known from the forge

	metaMu  sync.Mutex
	meta    map[string]*buildbtw.PackageMetadata // commit -> memoized metadata
	metaErr map[string]error
	metaSF  singleflight.Group
}

// Mirror is the Source Mirror component. All exported methods are safe
// for concurrent use; metadata reads for distinct commits never block
// each other (spec §4.1).
type Mirror struct {
	forge forge.Client
	parse MetadataParser

	mu   sync.RWMutex
	pkgs map[string]*pkgState
}

func New(client forge.Client, parse MetadataParser) *Mirror {
	return &Mirror{
		forge: client,
		parse: parse,
		pkgs:  make(map[string]*pkgState),
	}
}

func (m *Mirror) stateFor(pkg string) *pkgState {
	m.mu.RLock()
	st, ok := m.pkgs[pkg]
	m.mu.RUnlock()
	if ok {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.pkgs[pkg]; ok {
		return st
	}
	st = &pkgState{
		branches: make(map[string]string),
		meta:     make(map[string]*buildbtw.PackageMetadata),
		metaErr:  make(map[string]error),
	}
	m.pkgs[pkg] = st
	return st
}

// Warmup discovers every package known to the forge packages group and
// primes its branch state. It does not parse metadata eagerly; metadata
// is fetched lazily (and memoized) on first ReadMetadata call.
func (m *Mirror) Warmup(ctx context.Context) error {
	pkgs, err := m.forge.ListPackages(ctx)
	if err != nil {
		return xerrors.Errorf("listing packages: %w", err)
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, pkg := range pkgs {
		pkg := pkg
		m.stateFor(pkg) // register it even if refresh below fails
		eg.Go(func() error {
			if _, err := m.Refresh(ctx, pkg); err != nil {
				// A single package's transient fetch failure must not
				// abort warmup of the rest (spec §4.1 failure modes).
				return nil
			}
			return nil
		})
	}
	return eg.Wait()
}

// Known reports whether pkg has been observed by the mirror (via
// Warmup or a prior Refresh), used by the planner to detect
// OriginUnknown.
func (m *Mirror) Known(pkg string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pkgs[pkg]
	return ok
}

// KnownPackages returns every pkgbase the mirror has observed, forming
// the vertex set of the Global Dependency Graph.
func (m *Mirror) KnownPackages() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pkgs))
	for pkg := range m.pkgs {
		out = append(out, pkg)
	}
	return out
}

// Refresh polls the forge for pkg's current branch commits, replacing
// the mirror's cached view. At most one Refresh per pkgbase runs at a
// time; a concurrent caller blocks until the in-flight refresh
// completes and then polls the forge itself. Results are not shared
// between callers.
func (m *Mirror) Refresh(ctx context.Context, pkg string) (map[string]string, error) {
	st := m.stateFor(pkg)
	st.mu.Lock()
	defer st.mu.Unlock()

	branches, err := m.forge.ListBranches(ctx, pkg)
	if err != nil {
		return nil, &buildbtw.GitFetchFailed{Pkgbase: pkg, Cause: err}
	}
	next := make(map[string]string, len(branches))
	for _, b := range branches {
		next[b.Name] = b.Commit
	}
	st.branches = next
	out := make(map[string]string, len(next))
	for k, v := range next {
		out[k] = v
	}
	return out, nil
}

// ResolveBranch returns pkg's last-known commit for branch, from the
// mirror's cache (populated by Refresh/Warmup). It does not itself talk
// to the forge; callers that need a fresh value call Refresh first.
func (m *Mirror) ResolveBranch(pkg, branch string) (string, error) {
	st := m.stateFor(pkg)
	st.mu.Lock()
	defer st.mu.Unlock()
	commit, ok := st.branches[branch]
	if !ok {
		return "", &buildbtw.BranchMissing{Pkgbase: pkg, Branch: branch}
	}
	return commit, nil
}

// Branches returns every branch currently known for pkg.
func (m *Mirror) Branches(pkg string) map[string]string {
	st := m.stateFor(pkg)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]string, len(st.branches))
	for k, v := range st.branches {
		out[k] = v
	}
	return out
}

// ReadMetadata returns the parsed PackageMetadata for (pkgbase, commit),
// memoized: the parser runs at most once per distinct pair, even under
// concurrent callers.
func (m *Mirror) ReadMetadata(ctx context.Context, pkg, commit string) (*buildbtw.PackageMetadata, error) {
	st := m.stateFor(pkg)

	st.metaMu.Lock()
	if meta, ok := st.meta[commit]; ok {
		st.metaMu.Unlock()
		return meta, nil
	}
	if err, ok := st.metaErr[commit]; ok {
		st.metaMu.Unlock()
		return nil, err
	}
	st.metaMu.Unlock()

	// singleflight collapses concurrent ReadMetadata calls for the same
	// (pkgbase, commit) into one parser invocation.
	v, err, _ := st.metaSF.Do(commit, func() (interface{}, error) {
		return m.parse(ctx, pkg, commit)
	})

	st.metaMu.Lock()
	defer st.metaMu.Unlock()
	if err != nil {
		wrapped := &buildbtw.MetadataInvalid{Pkgbase: pkg, Cause: err}
		st.metaErr[commit] = wrapped
		return nil, wrapped
	}
	meta := v.(*buildbtw.PackageMetadata)
	st.meta[commit] = meta
	return meta, nil
}
