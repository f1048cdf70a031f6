// Package forgetest provides an in-memory forge.Client for tests, so
// that the source mirror, reconciler and schedule engine can be tested
// without a real GitLab instance.
package forgetest

import (
	"context"
	"sync"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/forge"
)

// Fake is a forge.Client backed by an in-memory map of
// pkgbase -> branch -> commit. Tests mutate Branches directly to
// simulate upstream pushes between reconciler ticks.
type Fake struct {
	mu           sync.Mutex
	branches     map[string]map[string]string // pkg -> branch -> commit
	pipelines    map[int]forge.Status
	nextPipeline int
}

func New() *Fake {
	return &Fake{branches: make(map[string]map[string]string), pipelines: make(map[int]forge.Status)}
}

// SetBranch records (or updates) the HEAD commit of pkg's branch.
func (f *Fake) SetBranch(pkg, branch, commit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branches[pkg] == nil {
		f.branches[pkg] = make(map[string]string)
	}
	f.branches[pkg][branch] = commit
}

func (f *Fake) ListPackages(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for pkg := range f.branches {
		out = append(out, pkg)
	}
	return out, nil
}

func (f *Fake) ListBranches(ctx context.Context, pkg string) ([]forge.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []forge.Branch
	for name, commit := range f.branches[pkg] {
		out = append(out, forge.Branch{Name: name, Commit: commit})
	}
	return out, nil
}

func (f *Fake) ResolveBranch(ctx context.Context, pkg, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commit, ok := f.branches[pkg][branch]
	if !ok {
		return "", &buildbtw.BranchMissing{Pkgbase: pkg, Branch: branch}
	}
	return commit, nil
}

func (f *Fake) DispatchPipeline(ctx context.Context, pkg, commit, arch string) (forge.PipelineRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPipeline++
	id := f.nextPipeline
	f.pipelines[id] = forge.StatusPending
	return forge.PipelineRef{ProjectID: 1, Pipeline: id}, nil
}

// SetPipelineStatus lets a test simulate a CI status transition.
func (f *Fake) SetPipelineStatus(ref forge.PipelineRef, status forge.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines[ref.Pipeline] = status
}

func (f *Fake) PipelineStatus(ctx context.Context, ref forge.PipelineRef) (forge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipelines[ref.Pipeline], nil
}

func (f *Fake) CancelPipeline(ctx context.Context, ref forge.PipelineRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelines[ref.Pipeline] = forge.StatusCancelled
	return nil
}

var _ forge.Client = (*Fake)(nil)
