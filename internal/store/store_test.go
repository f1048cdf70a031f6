package store

import (
	"context"
	"testing"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
)

func TestMemoryCreateNamespaceRejectsDuplicateName(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ns := &buildbtw.Namespace{ID: "id-1", Name: "curl-test", Status: buildbtw.NamespaceActive, CreatedAt: time.Unix(0, 0)}
	if err := m.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	dup := &buildbtw.Namespace{ID: "id-2", Name: "curl-test", Status: buildbtw.NamespaceActive}
	err := m.CreateNamespace(ctx, dup)
	if _, ok := err.(*buildbtw.NameTaken); !ok {
		t.Fatalf("CreateNamespace duplicate name error = %v (%T), want *NameTaken", err, err)
	}
}

func TestMemoryIterationRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ns := &buildbtw.Namespace{ID: "ns-1", Name: "curl-test", Status: buildbtw.NamespaceActive}
	if err := m.CreateNamespace(ctx, ns); err != nil {
		t.Fatalf("CreateNamespace: %v", err)
	}
	it := &buildbtw.Iteration{ID: "it-1", NamespaceID: "ns-1", CreateReason: "first iteration"}
	if err := m.CreateIteration(ctx, it); err != nil {
		t.Fatalf("CreateIteration: %v", err)
	}
	got, err := m.LatestIteration(ctx, "ns-1")
	if err != nil {
		t.Fatalf("LatestIteration: %v", err)
	}
	if got == nil || got.ID != "it-1" {
		t.Fatalf("LatestIteration = %+v, want it-1", got)
	}
}

func TestMemoryWatermark(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := m.SetWatermark(ctx, want); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	got, err := m.Watermark(ctx)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("Watermark = %v, want %v", got, want)
	}
}
