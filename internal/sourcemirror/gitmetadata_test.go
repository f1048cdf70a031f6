package sourcemirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestGitMetadataParserReadsManifestAtCommit(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	manifestContents := `{
		"pkgbase": "curl",
		"architectures": ["x86_64"],
		"pkgnames": ["curl", "libcurl"],
		"run_depends": ["openssl"]
	}`
	if err := os.WriteFile(filepath.Join(dir, manifestFile), []byte(manifestContents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add(manifestFile); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)}
	hash, err := wt.Commit("add manifest", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	p := &GitMetadataParser{CloneDir: func(pkgbase string) string { return dir }}
	meta, err := p.Parse(context.Background(), "curl", hash.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if meta.Pkgbase != "curl" {
		t.Errorf("Pkgbase = %q, want curl", meta.Pkgbase)
	}
	if len(meta.Pkgnames) != 2 || meta.Pkgnames[0] != "curl" || meta.Pkgnames[1] != "libcurl" {
		t.Errorf("Pkgnames = %v, want [curl libcurl]", meta.Pkgnames)
	}
	if len(meta.RunDepends) != 1 || meta.RunDepends[0] != "openssl" {
		t.Errorf("RunDepends = %v, want [openssl]", meta.RunDepends)
	}
	if meta.Commit != hash.String() {
		t.Errorf("Commit = %q, want %q", meta.Commit, hash.String())
	}
}

func TestGitMetadataParserMissingManifest(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("no manifest here"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := wt.Add("README"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)}
	hash, err := wt.Commit("no manifest", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	p := &GitMetadataParser{CloneDir: func(pkgbase string) string { return dir }}
	if _, err := p.Parse(context.Background(), "curl", hash.String()); err == nil {
		t.Fatal("Parse: expected error for missing manifest, got nil")
	}
}
