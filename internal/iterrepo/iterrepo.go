// Package iterrepo implements the Iteration Repository: per
// (namespace, iteration, architecture) pacman-format repository
// directories, artifact acceptance, and read-only static serving.
//
// Grounded on distr1-distri's internal/repo/reader.go (ErrNotFound, the
// http.Client tuning, the Reader cache pattern this package's Handler
// mirrors on the write side) and cmd/autobuilder/autobuilder.go, which
// invokes external tools via exec.CommandContext and publishes results
// with github.com/google/renameio. The repository database is written
// in Go by WritePgzipIndex by default; RepoAdd instead invokes the
// external pacman repo-add tool, the same way autobuilder invokes
// `distri` subcommands.
package iterrepo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/lpar/gzipped/v2"
	"golang.org/x/xerrors"
)

// ErrNotFound mirrors distr1-distri's internal/repo/reader.go error,
// returned when a requested repository path does not exist.
type ErrNotFound struct{ Path string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("%s: not found", e.Path) }

// IndexGenerator regenerates, over a directory of package files, the
// compressed database archive and its unversioned symlink. New installs
// WritePgzipIndex, which writes the archive in Go; RepoAdd shells out to
// the external repo-add tool instead; tests substitute a fake.
type IndexGenerator func(ctx context.Context, dir, namespace string) error

// Repository serves and accepts package artifacts for every iteration
// under BaseDir, laid out as
// <BaseDir>/<namespace>_<iteration>/os/<arch>/.
type Repository struct {
	BaseDir   string
	Namespace func(iterationID string) (namespace string, err error)
	GenIndex  IndexGenerator

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per (namespace_iteration, arch) directory
}

func New(baseDir string, namespaceOf func(string) (string, error)) *Repository {
	return &Repository{
		BaseDir:   baseDir,
		Namespace: namespaceOf,
		GenIndex:  WritePgzipIndex,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Repository) dirLock(dir string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		r.locks[dir] = l
	}
	return l
}

func (r *Repository) archDir(namespace, iterationID string, arch string) string {
	return filepath.Join(r.BaseDir, namespace+"_"+iterationID, "os", arch)
}

// AcceptArtifact atomically writes a package file and regenerates the
// directory's index, serialized per (iteration, arch) directory so
// concurrent uploads to the same directory never race on the index
// (spec §4.6 concurrency); uploads to distinct iterations proceed in
// parallel.
func (r *Repository) AcceptArtifact(ctx context.Context, iterationID, arch, fileName string, content io.Reader) error {
	namespace, err := r.Namespace(iterationID)
	if err != nil {
		return xerrors.Errorf("resolving namespace for iteration %s: %w", iterationID, err)
	}
	dir := r.archDir(namespace, iterationID, arch)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("creating %s: %w", dir, err)
	}

	lock := r.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()

	dest := filepath.Join(dir, fileName)
	t, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("creating temp file for %s: %w", dest, err)
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, content); err != nil {
		return xerrors.Errorf("writing %s: %w", dest, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("publishing %s: %w", dest, err)
	}

	if r.GenIndex == nil {
		return nil
	}
	if err := r.GenIndex(ctx, dir, namespace); err != nil {
		return xerrors.Errorf("regenerating index for %s: %w", dir, err)
	}
	return nil
}

// RepoAdd invokes the external `repo-add` tool to regenerate
// <namespace>.db.tar.gz (and its <namespace>.db symlink) over every
// *.pkg.tar.* file currently in dir.
func RepoAdd(ctx context.Context, dir, namespace string) error {
	dbFile := namespace + ".db.tar.gz"
	matches, err := filepath.Glob(filepath.Join(dir, "*.pkg.tar.*"))
	if err != nil {
		return err
	}
	args := append([]string{"-q", filepath.Join(dir, dbFile)}, matches...)
	cmd := exec.CommandContext(ctx, "repo-add", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Errorf("repo-add: %w (output: %s)", err, out)
	}
	return nil
}

// Handler returns a gzip-aware static file server rooted at BaseDir,
// matching lpar/gzipped/v2's role in distri's repository serving:
// pre-compressed *.gz siblings are served directly when the client
// accepts gzip, falling back to the uncompressed file otherwise.
func (r *Repository) Handler() http.Handler {
	return http.StripPrefix("/repo/", gzipped.FileServer(http.Dir(r.BaseDir)))
}

// localPath resolves a repo-relative path for callers that need direct
// filesystem access (e.g. the artifact-reuse cache lookup in spec S6)
// rather than going through the HTTP handler.
func (r *Repository) localPath(namespace, iterationID, arch, name string) string {
	return filepath.Join(r.archDir(namespace, iterationID, arch), name)
}

// Open returns a package file for programmatic reuse (e.g. copying a
// prior iteration's artifact into a new one without re-fetching it from
// an executor, spec S6). It does not decompress anything itself.
func (r *Repository) Open(namespace, iterationID, arch, name string) (io.ReadCloser, error) {
	f, err := os.Open(r.localPath(namespace, iterationID, arch, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Path: name}
		}
		return nil, err
	}
	return f, nil
}

// CopyArtifact hard-links (falling back to a copy) namespace/fromIteration's
// artifact into toIteration, implementing the cross-iteration
// artifact-reuse cache lookup (spec S6): a node whose (pkgbase, commit,
// arch) matches a prior successful build starts Built without
// re-invoking the executor.
func (r *Repository) CopyArtifact(ctx context.Context, namespace, fromIteration, toIteration, arch, name string) error {
	src := r.localPath(namespace, fromIteration, arch, name)
	dstDir := r.archDir(namespace, toIteration, arch)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}
	dst := filepath.Join(dstDir, name)
	if err := os.Link(src, dst); err == nil {
		return r.reindex(ctx, dstDir, namespace)
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return &ErrNotFound{Path: src}
		}
		return err
	}
	defer in.Close()
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, in); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}
	return r.reindex(ctx, dstDir, namespace)
}

func (r *Repository) reindex(ctx context.Context, dir, namespace string) error {
	if r.GenIndex == nil {
		return nil
	}
	lock := r.dirLock(dir)
	lock.Lock()
	defer lock.Unlock()
	return r.GenIndex(ctx, dir, namespace)
}
