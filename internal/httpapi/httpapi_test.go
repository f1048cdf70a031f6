package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/buildbtwtest"
)

func TestCreateAndGetNamespace(t *testing.T) {
	h := buildbtwtest.New(t, map[string]*buildbtw.PackageMetadata{
		"curl": {Pkgbase: "curl", Architectures: buildbtwtest.Archs, Pkgnames: []buildbtw.Pkgname{"curl"}},
	})
	h.SetBranch(t, "curl", "main", "c1")

	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"name":              "curl-test",
		"origin_changesets": []buildbtw.BranchRef{{Pkgbase: "curl", Branch: "main"}},
	})
	resp, err := http.Post(srv.URL+"/namespace", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /namespace: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var created buildbtw.Namespace
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Name != "curl-test" {
		t.Fatalf("Name = %q, want curl-test", created.Name)
	}

	getResp, err := http.Get(srv.URL + "/namespace/curl-test")
	if err != nil {
		t.Fatalf("GET /namespace/curl-test: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", getResp.StatusCode, http.StatusOK)
	}
}

func TestCreateNamespaceDuplicateNameConflicts(t *testing.T) {
	h := buildbtwtest.New(t, map[string]*buildbtw.PackageMetadata{
		"curl": {Pkgbase: "curl", Architectures: buildbtwtest.Archs, Pkgnames: []buildbtw.Pkgname{"curl"}},
	})
	h.SetBranch(t, "curl", "main", "c1")

	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"name":              "curl-test",
		"origin_changesets": []buildbtw.BranchRef{{Pkgbase: "curl", Branch: "main"}},
	})
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/namespace", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST /namespace: %v", err)
		}
		resp.Body.Close()
		if i == 0 {
			continue
		}
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("second create status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
	}
}

func TestGetUnknownNamespaceIs404(t *testing.T) {
	h := buildbtwtest.New(t, nil)
	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/namespace/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestWorkerAssignmentLongPollReturnsNoContentWhenIdle(t *testing.T) {
	h := buildbtwtest.New(t, nil)
	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/worker/assignment")
	if err != nil {
		t.Fatalf("GET /worker/assignment: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestWorkerAssignmentReturnsReadyNode(t *testing.T) {
	h := buildbtwtest.New(t, map[string]*buildbtw.PackageMetadata{
		"curl": {Pkgbase: "curl", Architectures: buildbtwtest.Archs, Pkgnames: []buildbtw.Pkgname{"curl"}},
	})
	h.SetBranch(t, "curl", "main", "c1")

	ns := &buildbtw.Namespace{ID: "ns-1", Name: "curl-test", OriginChangesets: []buildbtw.BranchRef{{Pkgbase: "curl", Branch: "main"}}, Status: buildbtw.NamespaceActive}
	if err := h.Store.CreateNamespace(context.Background(), ns); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	if err := h.Rec.CreateIteration(context.Background(), ns, "first iteration"); err != nil {
		t.Fatalf("CreateIteration: %v", err)
	}

	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/worker/assignment")
	if err != nil {
		t.Fatalf("GET /worker/assignment: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got struct {
		Pkgbase string `json:"pkgbase"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pkgbase != "curl" {
		t.Fatalf("Pkgbase = %q, want curl", got.Pkgbase)
	}
}

// TestWorkerAssignmentClaimsOneNodePerPoll covers spec S2: three
// packages become Ready simultaneously once their shared dependency
// builds. Each long-poll must claim exactly one of them, never all
// three in a single call, or the stranded two would sit in Assigned
// forever with no executor able to report on them.
func TestWorkerAssignmentClaimsOneNodePerPoll(t *testing.T) {
	arch := buildbtwtest.Archs
	meta := map[string]*buildbtw.PackageMetadata{
		"openssl": {Pkgbase: "openssl", Architectures: arch, Pkgnames: []buildbtw.Pkgname{"openssl"}},
	}
	for _, dep := range []string{"curl", "wget", "nginx"} {
		meta[dep] = &buildbtw.PackageMetadata{
			Pkgbase:       buildbtw.Pkgbase(dep),
			Architectures: arch,
			Pkgnames:      []buildbtw.Pkgname{buildbtw.Pkgname(dep)},
			RunDepends:    []buildbtw.Pkgname{"openssl"},
		}
	}
	h := buildbtwtest.New(t, meta)
	h.SetBranch(t, "openssl", "main", "c1")
	h.SetBranch(t, "curl", "main", "c1")
	h.SetBranch(t, "wget", "main", "c1")
	h.SetBranch(t, "nginx", "main", "c1")

	ns := &buildbtw.Namespace{
		ID:   "ns-1",
		Name: "openssl-test",
		OriginChangesets: []buildbtw.BranchRef{
			{Pkgbase: "openssl", Branch: "main"},
			{Pkgbase: "curl", Branch: "main"},
			{Pkgbase: "wget", Branch: "main"},
			{Pkgbase: "nginx", Branch: "main"},
		},
		Status: buildbtw.NamespaceActive,
	}
	if err := h.Store.CreateNamespace(context.Background(), ns); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	if err := h.Rec.CreateIteration(context.Background(), ns, "first iteration"); err != nil {
		t.Fatalf("CreateIteration: %v", err)
	}

	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	pollPkgbase := func() string {
		resp, err := http.Get(srv.URL + "/worker/assignment")
		if err != nil {
			t.Fatalf("GET /worker/assignment: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got struct {
			IterationID string `json:"iteration_id"`
			Pkgbase     string `json:"pkgbase"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got.Pkgbase
	}

	// openssl is the only initially-Ready node.
	if got := pollPkgbase(); got != "openssl" {
		t.Fatalf("first poll Pkgbase = %q, want openssl", got)
	}

	it, err := h.Store.LatestIteration(context.Background(), "ns-1")
	if err != nil {
		t.Fatalf("LatestIteration: %v", err)
	}
	for _, status := range []string{"building", "built"} {
		body, _ := json.Marshal(map[string]string{"status": status})
		resp, err := http.Post(srv.URL+"/node/"+it.ID+"/openssl/x86_64/status", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST status %s: %v", status, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("report openssl %s: status = %d, want %d", status, resp.StatusCode, http.StatusNoContent)
		}
	}

	// curl, wget, and nginx all became Ready in the same transition.
	// Each poll must claim exactly one, never all three at once.
	claimed := make(map[string]bool)
	for i := 0; i < 3; i++ {
		pkg := pollPkgbase()
		if claimed[pkg] {
			t.Fatalf("poll %d re-claimed already-claimed pkgbase %q", i, pkg)
		}
		claimed[pkg] = true
	}
	for _, want := range []string{"curl", "wget", "nginx"} {
		if !claimed[want] {
			t.Fatalf("pkgbase %q was never claimed; claimed = %v", want, claimed)
		}
	}

	// Every Ready node is now claimed; the next poll must go idle.
	finalResp, err := http.Get(srv.URL + "/worker/assignment")
	if err != nil {
		t.Fatalf("GET /worker/assignment (final): %v", err)
	}
	defer finalResp.Body.Close()
	if finalResp.StatusCode != http.StatusNoContent {
		t.Fatalf("final poll status = %d, want %d", finalResp.StatusCode, http.StatusNoContent)
	}
}

func TestNodeStatusReportUnknownIterationIsGone(t *testing.T) {
	h := buildbtwtest.New(t, nil)
	srv := httptest.NewServer(h.Server.Mux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"status": "building"})
	resp, err := http.Post(srv.URL+"/node/ghost-iteration/curl/x86_64/status", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusGone)
	}
}
