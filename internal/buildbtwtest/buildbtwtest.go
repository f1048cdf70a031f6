// Package buildbtwtest assembles a full in-memory Server -- Memory
// store, a fake forge, a temp-directory Iteration Repository -- for
// tests that exercise the HTTP API end to end rather than one package
// in isolation.
//
// Grounded on reconciler_test.go's newTestMirror helper, generalized
// into a shared fixture so httpapi's tests don't each re-derive the
// same Store/Mirror/Engines wiring cmd/buildbtwd's main does for real.
package buildbtwtest

import (
	"context"
	"testing"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/forge/forgetest"
	"github.com/buildbtw/buildbtw/internal/httpapi"
	"github.com/buildbtw/buildbtw/internal/iterrepo"
	"github.com/buildbtw/buildbtw/internal/reconciler"
	"github.com/buildbtw/buildbtw/internal/sourcemirror"
	"github.com/buildbtw/buildbtw/internal/store"
)

// Harness bundles every component a Server needs plus the fake forge
// a test mutates to simulate upstream pushes.
type Harness struct {
	Store   store.Store
	Forge   *forgetest.Fake
	Mirror  *sourcemirror.Mirror
	Engines *reconciler.Engines
	Rec     *reconciler.Reconciler
	Repo    *iterrepo.Repository
	Server  *httpapi.Server

	Metadata map[string]*buildbtw.PackageMetadata
}

// Archs is the fixed single-architecture set every New harness plans
// for; tests needing more call NewArchs directly.
var Archs = []buildbtw.Architecture{"x86_64"}

// New builds a Harness with meta registered as the static package
// metadata every pkgbase resolves to, regardless of commit -- enough
// for the namespace-lifecycle and artifact-upload paths the HTTP API
// tests exercise, which never depend on a package's actual dependency
// list.
func New(t *testing.T, meta map[string]*buildbtw.PackageMetadata) *Harness {
	t.Helper()
	return NewArchs(t, meta, Archs)
}

func NewArchs(t *testing.T, meta map[string]*buildbtw.PackageMetadata, archs []buildbtw.Architecture) *Harness {
	t.Helper()

	fake := forgetest.New()
	mirror := sourcemirror.New(fake, func(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error) {
		m, ok := meta[pkgbase]
		if !ok {
			return nil, &buildbtw.MetadataInvalid{Pkgbase: pkgbase, Cause: context.Canceled}
		}
		cp := *m
		cp.Commit = commit
		return &cp, nil
	})

	st := store.NewMemory()
	engines := reconciler.NewEngines()

	repoDir := t.TempDir()
	repo := iterrepo.New(repoDir, func(iterationID string) (string, error) {
		ns, err := st.NamespaceForIteration(context.Background(), iterationID)
		if err != nil {
			return "", err
		}
		if ns == nil {
			return "", &buildbtw.MalformedRequest{Reason: "no namespace owns iteration " + iterationID}
		}
		return ns.Name, nil
	})
	// AcceptArtifact's default IndexGenerator (WritePgzipIndex) writes a
	// database archive; tests never assert on the generated database, so
	// skip it.
	repo.GenIndex = func(ctx context.Context, dir, namespace string) error { return nil }

	rec := reconciler.New(st, mirror, engines, repo, archs, time.Hour)

	srv := httpapi.New(st, mirror, engines, rec, repo, archs)
	srv.AssignWait = 200 * time.Millisecond

	return &Harness{
		Store:    st,
		Forge:    fake,
		Mirror:   mirror,
		Engines:  engines,
		Rec:      rec,
		Repo:     repo,
		Server:   srv,
		Metadata: meta,
	}
}

// SetBranch registers pkg's branch HEAD with the fake forge and warms
// the mirror's cache of it, the two steps every test needs before a
// namespace referencing pkg can be planned.
func (h *Harness) SetBranch(t *testing.T, pkg, branch, commit string) {
	t.Helper()
	h.Forge.SetBranch(pkg, branch, commit)
	if _, err := h.Mirror.Refresh(context.Background(), pkg); err != nil {
		t.Fatalf("Refresh(%s): %v", pkg, err)
	}
}
