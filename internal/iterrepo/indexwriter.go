package iterrepo

import (
	"archive/tar"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
)

// WritePgzipIndex is the default IndexGenerator: it regenerates
// <namespace>.db.tar.gz directly in Go, compressing with
// klauspost/pgzip (parallel gzip) rather than shelling out to the
// upstream repo-add tool, and atomically publishes both the archive
// and its unversioned <namespace>.db symlink with renameio.
//
// The archive holds one `<pkgname>/desc` entry per package file
// currently in dir, a reduced form of the real pacman desc format
// sufficient for this engine's own repository listing (spec testable
// property 3): name and file size. A production deployment pointed at
// a real pacman toolchain would use RepoAdd instead.
func WritePgzipIndex(ctx context.Context, dir, namespace string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	var pkgFiles []fs.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), ".pkg.tar.") {
			pkgFiles = append(pkgFiles, e)
		}
	}
	sort.Slice(pkgFiles, func(i, j int) bool { return pkgFiles[i].Name() < pkgFiles[j].Name() })

	dbPath := filepath.Join(dir, namespace+".db.tar.gz")
	t, err := renameio.TempFile("", dbPath)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	zw := pgzip.NewWriter(t)
	tw := tar.NewWriter(zw)
	for _, e := range pkgFiles {
		info, err := e.Info()
		if err != nil {
			return err
		}
		// Package file names are <pkgname>-<pkgver>-<pkgrel>-<arch>.pkg.tar.*,
		// and pkgname itself may contain hyphens.
		base := e.Name()[:strings.Index(e.Name(), ".pkg.tar.")]
		pkgname := base
		if fields := strings.Split(base, "-"); len(fields) > 3 {
			pkgname = strings.Join(fields[:len(fields)-3], "-")
		}
		desc := fmt.Sprintf("%%FILENAME%%\n%s\n\n%%NAME%%\n%s\n\n%%SIZE%%\n%d\n", e.Name(), pkgname, info.Size())
		hdr := &tar.Header{
			Name: pkgname + "/desc",
			Mode: 0644,
			Size: int64(len(desc)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write([]byte(desc)); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return err
	}

	symlink := filepath.Join(dir, namespace+".db")
	os.Remove(symlink)
	return os.Symlink(namespace+".db.tar.gz", symlink)
}
