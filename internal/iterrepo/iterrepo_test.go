package iterrepo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcceptArtifactWritesFileAndIndex(t *testing.T) {
	dir := t.TempDir()
	repo := New(dir, func(iterationID string) (string, error) { return "curl-test", nil })

	err := repo.AcceptArtifact(context.Background(), "it-1", "x86_64", "curl-8.5.0-1-x86_64.pkg.tar.zst", strings.NewReader("fake package bytes"))
	if err != nil {
		t.Fatalf("AcceptArtifact: %v", err)
	}

	archDir := filepath.Join(dir, "curl-test_it-1", "os", "x86_64")
	if _, err := os.Stat(filepath.Join(archDir, "curl-8.5.0-1-x86_64.pkg.tar.zst")); err != nil {
		t.Fatalf("package file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(archDir, "curl-test.db.tar.gz")); err != nil {
		t.Fatalf("index archive missing: %v", err)
	}
	link, err := os.Readlink(filepath.Join(archDir, "curl-test.db"))
	if err != nil {
		t.Fatalf("db symlink missing: %v", err)
	}
	if link != "curl-test.db.tar.gz" {
		t.Fatalf("db symlink = %q, want curl-test.db.tar.gz", link)
	}
}

func TestCopyArtifactAcrossIterations(t *testing.T) {
	dir := t.TempDir()
	repo := New(dir, func(iterationID string) (string, error) { return "curl-test", nil })
	ctx := context.Background()

	if err := repo.AcceptArtifact(ctx, "it-1", "x86_64", "libfoo-1.0-1-x86_64.pkg.tar.zst", strings.NewReader("artifact")); err != nil {
		t.Fatalf("AcceptArtifact: %v", err)
	}
	if err := repo.CopyArtifact(ctx, "curl-test", "it-1", "it-2", "x86_64", "libfoo-1.0-1-x86_64.pkg.tar.zst"); err != nil {
		t.Fatalf("CopyArtifact: %v", err)
	}

	rc, err := repo.Open("curl-test", "it-2", "x86_64", "libfoo-1.0-1-x86_64.pkg.tar.zst")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
}

func TestOpenMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	repo := New(dir, func(iterationID string) (string, error) { return "curl-test", nil })
	_, err := repo.Open("curl-test", "it-1", "x86_64", "ghost.pkg.tar.zst")
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("Open error = %v (%T), want *ErrNotFound", err, err)
	}
}
