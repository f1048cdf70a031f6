package depgraph

import (
	"context"
	"testing"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeSource struct {
	pkgs     []string
	commits  map[string]string
	metadata map[string]*buildbtw.PackageMetadata
}

func (f *fakeSource) KnownPackages() []string { return f.pkgs }

func (f *fakeSource) ResolveBranch(pkg, branch string) (string, error) {
	c, ok := f.commits[pkg]
	if !ok {
		return "", &buildbtw.BranchMissing{Pkgbase: pkg, Branch: branch}
	}
	return c, nil
}

func (f *fakeSource) ReadMetadata(ctx context.Context, pkg, commit string) (*buildbtw.PackageMetadata, error) {
	m, ok := f.metadata[pkg]
	if !ok {
		return nil, &buildbtw.MetadataInvalid{Pkgbase: pkg}
	}
	return m, nil
}

// buildFanOut constructs openssl plus three dependents, matching
// scenario S2 from spec.md §8.
func buildFanOut() *fakeSource {
	arch := []buildbtw.Architecture{"x86_64"}
	return &fakeSource{
		pkgs: []string{"openssl", "curl", "wget", "nginx"},
		commits: map[string]string{
			"openssl": "c1", "curl": "c1", "wget": "c1", "nginx": "c1",
		},
		metadata: map[string]*buildbtw.PackageMetadata{
			"openssl": {Pkgbase: "openssl", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"openssl"}},
			"curl":    {Pkgbase: "curl", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"curl"}, RunDepends: []buildbtw.Pkgname{"openssl"}},
			"wget":    {Pkgbase: "wget", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"wget"}, RunDepends: []buildbtw.Pkgname{"openssl"}},
			"nginx":   {Pkgbase: "nginx", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"nginx"}, RunDepends: []buildbtw.Pkgname{"openssl"}},
		},
	}
}

func TestBuildFanOutDependents(t *testing.T) {
	gr, err := Build(context.Background(), buildFanOut(), func(string) string { return "main" })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := gr.TransitiveDependents([]buildbtw.Pkgbase{"openssl"}, "x86_64")
	want := map[buildbtw.Pkgbase]bool{"curl": true, "wget": true, "nginx": true}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("TransitiveDependents mismatch (-want +got):\n%s", diff)
	}
}

func TestDependentsExcludeUnsupportedArch(t *testing.T) {
	src := buildFanOut()
	src.metadata["wget"].Architectures = []buildbtw.Architecture{"aarch64"}
	gr, err := Build(context.Background(), src, func(string) string { return "main" })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := gr.TransitiveDependents([]buildbtw.Pkgbase{"openssl"}, "x86_64")
	if got["wget"] {
		t.Fatalf("TransitiveDependents(x86_64) includes wget, which only declares aarch64")
	}
	if !got["curl"] || !got["nginx"] {
		t.Fatalf("TransitiveDependents(x86_64) = %v, missing curl/nginx", got)
	}
}

func TestUnresolvedDependencyProducesNoEdge(t *testing.T) {
	arch := []buildbtw.Architecture{"x86_64"}
	src := &fakeSource{
		pkgs:    []string{"iptables"},
		commits: map[string]string{"iptables": "c1"},
		metadata: map[string]*buildbtw.PackageMetadata{
			"iptables": {Pkgbase: "iptables", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"iptables"}, RunDepends: []buildbtw.Pkgname{"libmnl"}},
		},
	}
	gr, err := Build(context.Background(), src, func(string) string { return "main" })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if deps := gr.DependsOn("iptables"); len(deps) != 0 {
		t.Fatalf("DependsOn(iptables) = %v, want empty (libmnl unresolved)", deps)
	}
}

func TestFindCyclesAndTopologicalOrder(t *testing.T) {
	arch := []buildbtw.Architecture{"x86_64"}
	src := &fakeSource{
		pkgs:    []string{"a", "b"},
		commits: map[string]string{"a": "c1", "b": "c1"},
		metadata: map[string]*buildbtw.PackageMetadata{
			"a": {Pkgbase: "a", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"a"}, MakeDepends: []buildbtw.Pkgname{"b"}},
			"b": {Pkgbase: "b", Commit: "c1", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"b"}, MakeDepends: []buildbtw.Pkgname{"a"}},
		},
	}
	gr, err := Build(context.Background(), src, func(string) string { return "main" })
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	subset := map[buildbtw.Pkgbase]bool{"a": true, "b": true}
	cycles := FindCycles(gr, subset, nil)
	if len(cycles) != 1 || len(cycles[0]) != 2 {
		t.Fatalf("FindCycles = %v, want one 2-element cycle", cycles)
	}
	if _, err := TopologicalOrder(gr, subset, nil); err == nil {
		t.Fatal("TopologicalOrder on an unbroken cycle: got nil error, want one")
	}

	excluded := map[EdgeKey]bool{{From: "a", To: "b"}: true}
	if cycles := FindCycles(gr, subset, excluded); len(cycles) != 0 {
		t.Fatalf("FindCycles after excluding a->b = %v, want none", cycles)
	}
	order, err := TopologicalOrder(gr, subset, excluded)
	if err != nil {
		t.Fatalf("TopologicalOrder after excluding a->b: %v", err)
	}
	if diff := cmp.Diff([]buildbtw.Pkgbase{"b", "a"}, order); diff != "" {
		t.Fatalf("TopologicalOrder mismatch (-want +got):\n%s", diff)
	}
}
