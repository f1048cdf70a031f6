package sourcemirror

import (
	"context"
	"sync/atomic"
	"testing"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/forge/forgetest"
	"github.com/google/go-cmp/cmp"
)

func TestRefreshAndResolveBranch(t *testing.T) {
	fake := forgetest.New()
	fake.SetBranch("curl", "main", "c1")
	m := New(fake, func(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error) {
		t.Fatalf("unexpected metadata parse for %s@%s", pkgbase, commit)
		return nil, nil
	})

	if _, err := m.Refresh(context.Background(), "curl"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	commit, err := m.ResolveBranch("curl", "main")
	if err != nil {
		t.Fatalf("ResolveBranch: %v", err)
	}
	if got, want := commit, "c1"; got != want {
		t.Fatalf("ResolveBranch = %q, want %q", got, want)
	}

	if _, err := m.ResolveBranch("curl", "nonexistent"); err == nil {
		t.Fatal("ResolveBranch on missing branch: got nil error, want BranchMissing")
	}
}

func TestReadMetadataMemoizes(t *testing.T) {
	fake := forgetest.New()
	fake.SetBranch("openssl", "main", "c1")

	var calls int32
	want := &buildbtw.PackageMetadata{Pkgbase: "openssl", Commit: "c1"}
	m := New(fake, func(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error) {
		atomic.AddInt32(&calls, 1)
		return want, nil
	})

	for i := 0; i < 5; i++ {
		got, err := m.ReadMetadata(context.Background(), "openssl", "c1")
		if err != nil {
			t.Fatalf("ReadMetadata: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("ReadMetadata mismatch (-want +got):\n%s", diff)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("parser invoked %d times, want 1", got)
	}
}

func TestReadMetadataInvalid(t *testing.T) {
	fake := forgetest.New()
	m := New(fake, func(ctx context.Context, pkgbase, commit string) (*buildbtw.PackageMetadata, error) {
		return nil, context.DeadlineExceeded
	})
	_, err := m.ReadMetadata(context.Background(), "broken", "c1")
	if err == nil {
		t.Fatal("expected error")
	}
	var invalid *buildbtw.MetadataInvalid
	if !asMetadataInvalid(err, &invalid) {
		t.Fatalf("ReadMetadata error = %v, want *MetadataInvalid", err)
	}
}

func asMetadataInvalid(err error, target **buildbtw.MetadataInvalid) bool {
	me, ok := err.(*buildbtw.MetadataInvalid)
	if !ok {
		return false
	}
	*target = me
	return true
}
