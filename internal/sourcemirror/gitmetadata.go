package sourcemirror

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/xerrors"
)

// manifestFile is the package definition file every pkgbase repository
// carries at its root, the buildbtw analogue of a PKGBUILD: pkgbase,
// pkgnames, architectures and dependency lists as JSON rather than a
// shell fragment, so this mirror never executes package-supplied code
// to learn its own metadata.
const manifestFile = "buildbtw.json"

type manifest struct {
	Pkgbase       buildbtw.Pkgbase        `json:"pkgbase"`
	Architectures []buildbtw.Architecture `json:"architectures"`
	Pkgnames      []buildbtw.Pkgname      `json:"pkgnames"`
	Provides      []buildbtw.Pkgname      `json:"provides"`
	MakeDepends   []buildbtw.Pkgname      `json:"make_depends"`
	CheckDepends  []buildbtw.Pkgname      `json:"check_depends"`
	RunDepends    []buildbtw.Pkgname      `json:"run_depends"`
}

// GitMetadataParser reads each pkgbase's manifestFile out of its local
// mirror clone at a pinned commit, implementing MetadataParser without
// ever checking out a worktree or invoking the package's own build
// instructions.
//
// Grounded on distr1-distri's internal/batch/batch.go, reading
// build.textproto off disk per package, and on melange2's use of
// go-git (pkg/cli/build.go opens a repository with
// git.PlainOpenWithOptions for commit provenance); this type goes
// further and reads file content at an arbitrary historical commit via
// go-git's tree API, rather than only the checked-out HEAD.
type GitMetadataParser struct {
	// CloneDir resolves a pkgbase to the local path of its mirrored
	// bare/plain clone, maintained by whatever process keeps the
	// Source Mirror's git clones up to date (spec §1 external
	// collaborator: a clone-and-fetch loop is not this engine's job).
	CloneDir func(pkgbase string) string
}

func (g *GitMetadataParser) Parse(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error) {
	dir := g.CloneDir(pkgbase)
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, xerrors.Errorf("opening mirror clone for %s: %w", pkgbase, err)
	}
	commitObj, err := repo.CommitObject(plumbing.NewHash(commit))
	if err != nil {
		return nil, xerrors.Errorf("resolving commit %s for %s: %w", commit, pkgbase, err)
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, xerrors.Errorf("reading tree at %s for %s: %w", commit, pkgbase, err)
	}
	f, err := tree.File(manifestFile)
	if err != nil {
		return nil, xerrors.Errorf("%s has no %s at %s: %w", pkgbase, manifestFile, commit, err)
	}
	rc, err := f.Reader()
	if err != nil {
		return nil, xerrors.Errorf("opening %s for %s: %w", manifestFile, pkgbase, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, xerrors.Errorf("reading %s for %s: %w", manifestFile, pkgbase, err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &buildbtw.MetadataInvalid{Pkgbase: pkgbase, Cause: err}
	}
	return &buildbtw.PackageMetadata{
		Pkgbase:       buildbtw.Pkgbase(pkgbase),
		Commit:        commit,
		Architectures: m.Architectures,
		Pkgnames:      m.Pkgnames,
		Provides:      m.Provides,
		MakeDepends:   m.MakeDepends,
		CheckDepends:  m.CheckDepends,
		RunDepends:    m.RunDepends,
	}, nil
}

// DefaultCloneDir lays mirrored clones out as <baseDir>/<pkgbase>,
// matching distri's flat <pkgsDir>/<pkgbase> package tree layout.
func DefaultCloneDir(baseDir string) func(string) string {
	return func(pkgbase string) string { return filepath.Join(baseDir, pkgbase) }
}
