// Package store defines the persistence contract for namespaces,
// iterations, and forge pipeline handles, and provides an in-memory
// implementation for tests and single-process deployments.
//
// Grounded on distr1-distri's cmd/distri-repobrowser/repobrowser.go,
// which opens a Postgres connection with database/sql and
// github.com/lib/pq; see postgres.go for the SQL-backed Store that
// generalizes that pattern to the three tables named by the
// persisted-state layout.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
)

// PipelineHandle records which forge CI pipeline is building one node,
// persisted so the reconciler and HTTP API can look it up across
// process restarts (the gitlab_pipelines table).
type PipelineHandle struct {
	IterationID string
	Pkgbase     buildbtw.Pkgbase
	Arch        buildbtw.Architecture
	ProjectID   int
	Pipeline    int
}

// Store is the persistence contract every HTTP handler, reconciler, and
// schedule engine instance is built against; component packages never
// depend on a concrete implementation.
type Store interface {
	CreateNamespace(ctx context.Context, ns *buildbtw.Namespace) error
	Namespace(ctx context.Context, name string) (*buildbtw.Namespace, error)
	ListNamespaces(ctx context.Context) ([]*buildbtw.Namespace, error)
	CancelNamespace(ctx context.Context, name string) error

	CreateIteration(ctx context.Context, it *buildbtw.Iteration) error
	Iteration(ctx context.Context, namespaceID, iterationID string) (*buildbtw.Iteration, error)
	LatestIteration(ctx context.Context, namespaceID string) (*buildbtw.Iteration, error)
	SaveIteration(ctx context.Context, it *buildbtw.Iteration) error

	// NamespaceForIteration reverse-looks-up the namespace owning
	// iterationID, used by the Iteration Repository to resolve its
	// <namespace>_<iteration> directory naming (spec §4.6) from the
	// iteration ID an upload or status report carries.
	NamespaceForIteration(ctx context.Context, iterationID string) (*buildbtw.Namespace, error)

	SavePipeline(ctx context.Context, h PipelineHandle) error
	Pipeline(ctx context.Context, iterationID string, pkg buildbtw.Pkgbase, arch buildbtw.Architecture) (*PipelineHandle, error)

	// Watermark and SetWatermark implement the single-row global_state
	// table's gitlab_last_updated column. The reconciler sets it after
	// each completed pass; nothing reads it back, and forge polling is
	// not limited by it.
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Memory is an in-process Store, safe for concurrent use. It backs
// tests and is also sufficient for a single-replica deployment that
// does not need to survive process restarts.
type Memory struct {
	mu sync.RWMutex

	namespaces map[string]*buildbtw.Namespace
	iterations map[string][]*buildbtw.Iteration // namespace ID -> iterations, oldest first
	pipelines  map[string]PipelineHandle        // iteration|pkgbase|arch -> handle
	watermark  time.Time
}

func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]*buildbtw.Namespace),
		iterations: make(map[string][]*buildbtw.Iteration),
		pipelines:  make(map[string]PipelineHandle),
	}
}

func (m *Memory) CreateNamespace(ctx context.Context, ns *buildbtw.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.namespaces {
		if existing.Name == ns.Name {
			return &buildbtw.NameTaken{Name: ns.Name}
		}
	}
	cp := *ns
	m.namespaces[ns.ID] = &cp
	return nil
}

func (m *Memory) Namespace(ctx context.Context, name string) (*buildbtw.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ns := range m.namespaces {
		if ns.Name == name {
			cp := *ns
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListNamespaces(ctx context.Context) ([]*buildbtw.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*buildbtw.Namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		cp := *ns
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CancelNamespace(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ns := range m.namespaces {
		if ns.Name == name {
			ns.Status = buildbtw.NamespaceCancelled
			return nil
		}
	}
	return &buildbtw.MalformedRequest{Reason: "namespace " + name + " not found"}
}

func (m *Memory) CreateIteration(ctx context.Context, it *buildbtw.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *it
	m.iterations[it.NamespaceID] = append(m.iterations[it.NamespaceID], &cp)
	return nil
}

func (m *Memory) Iteration(ctx context.Context, namespaceID, iterationID string) (*buildbtw.Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.iterations[namespaceID] {
		if it.ID == iterationID {
			return it, nil
		}
	}
	return nil, nil
}

func (m *Memory) LatestIteration(ctx context.Context, namespaceID string) (*buildbtw.Iteration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	its := m.iterations[namespaceID]
	if len(its) == 0 {
		return nil, nil
	}
	return its[len(its)-1], nil
}

func (m *Memory) NamespaceForIteration(ctx context.Context, iterationID string) (*buildbtw.Namespace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for nsID, its := range m.iterations {
		for _, it := range its {
			if it.ID == iterationID {
				if ns, ok := m.namespaces[nsID]; ok {
					cp := *ns
					return &cp, nil
				}
			}
		}
	}
	return nil, nil
}

func (m *Memory) SaveIteration(ctx context.Context, it *buildbtw.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.iterations[it.NamespaceID] {
		if existing.ID == it.ID {
			m.iterations[it.NamespaceID][i] = it
			return nil
		}
	}
	m.iterations[it.NamespaceID] = append(m.iterations[it.NamespaceID], it)
	return nil
}

func pipelineKey(iterationID string, pkg buildbtw.Pkgbase, arch buildbtw.Architecture) string {
	return iterationID + "|" + string(pkg) + "|" + string(arch)
}

func (m *Memory) SavePipeline(ctx context.Context, h PipelineHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[pipelineKey(h.IterationID, h.Pkgbase, h.Arch)] = h
	return nil
}

func (m *Memory) Pipeline(ctx context.Context, iterationID string, pkg buildbtw.Pkgbase, arch buildbtw.Architecture) (*PipelineHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.pipelines[pipelineKey(iterationID, pkg, arch)]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *Memory) Watermark(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *Memory) SetWatermark(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermark = t
	return nil
}

var _ Store = (*Memory)(nil)
