package repo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repo/curl-test_it-1/os/x86_64/curl.db" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("fake db contents"))
	}))
	defer srv.Close()

	rc, err := Fetch(context.Background(), srv.URL, "curl-test_it-1/os/x86_64/curl.db", false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "fake db contents" {
		t.Fatalf("body = %q, want %q", got, "fake db contents")
	}
}

func TestFetchMissingReturnsErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, "ghost.db", false)
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("Fetch error = %v (%T), want *ErrNotFound", err, err)
	}
}
