// Package schedule implements the Schedule Engine: given one
// iteration's per-architecture Build Graph, it hands out assignments in
// dependency order, applies executor-reported state transitions, and
// propagates readiness to dependents.
//
// Grounded on distr1-distri's internal/batch/batch.go, whose worker pool
// walks a gonum graph and dispatches builds as dependencies complete;
// this package generalizes that one-shot batch run into a persistent
// per-iteration actor that accepts asynchronous completions instead of
// blocking on local exec.Command calls.
package schedule

import (
	"container/heap"
	"sync"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/trace"
)

// legalTransitions enumerates the non-terminal -> * moves the engine
// accepts; anything else is an IllegalTransition (spec §4.4).
var legalTransitions = map[buildbtw.NodeStatus]map[buildbtw.NodeStatus]bool{
	buildbtw.NodePending:  {buildbtw.NodeReady: true, buildbtw.NodeBlocked: true, buildbtw.NodeCancelled: true},
	buildbtw.NodeReady:    {buildbtw.NodeAssigned: true, buildbtw.NodeCancelled: true},
	buildbtw.NodeAssigned: {buildbtw.NodeBuilding: true, buildbtw.NodeFailed: true, buildbtw.NodeCancelled: true},
	buildbtw.NodeBuilding: {buildbtw.NodeBuilt: true, buildbtw.NodeFailed: true, buildbtw.NodeCancelled: true},
	buildbtw.NodeBlocked:  {buildbtw.NodeReady: true, buildbtw.NodeCancelled: true},
}

// readyQueue is a container/heap priority queue ordering Ready nodes by
// (descendant_count desc, pkgbase asc), so that packages blocking the
// most downstream work are assigned first.
type readyItem struct {
	key         buildbtw.NodeKey
	descendants int
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].descendants != q[j].descendants {
		return q[i].descendants > q[j].descendants
	}
	return q[i].key.Pkgbase < q[j].key.Pkgbase
}
func (q readyQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(readyItem)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Engine runs one iteration's build graph for one architecture. It is
// the unit of serialization named in the design notes: every state
// transition for this iteration/arch takes Engine's lock, so readiness
// computation and assignment never race against a concurrent report.
type Engine struct {
	mu sync.Mutex

	graph *buildbtw.BuildGraph
	ready readyQueue

	maxConcurrent int
	inFlight      int

	cancelled bool

	pending map[buildbtw.NodeKey]*trace.PendingEvent
}

// NewEngine builds the engine's internal ready queue from a freshly
// planned build graph: every node already in NodeReady status is
// queued, ordered by descendant count.
func NewEngine(graph *buildbtw.BuildGraph, maxConcurrentAssignments int) *Engine {
	e := &Engine{graph: graph, maxConcurrent: maxConcurrentAssignments, pending: make(map[buildbtw.NodeKey]*trace.PendingEvent)}
	descendants := make(map[buildbtw.NodeKey]int, len(graph.Nodes))
	for key := range graph.Nodes {
		descendants[key] = countDescendants(graph, key)
	}
	for key, node := range graph.Nodes {
		if node.Status == buildbtw.NodeReady {
			heap.Push(&e.ready, readyItem{key: key, descendants: descendants[key]})
		}
	}
	return e
}

func countDescendants(graph *buildbtw.BuildGraph, root buildbtw.NodeKey) int {
	seen := make(map[buildbtw.NodeKey]bool)
	var walk func(buildbtw.NodeKey)
	walk = func(k buildbtw.NodeKey) {
		for _, d := range graph.Dependents[k] {
			if seen[d] {
				continue
			}
			seen[d] = true
			walk(d)
		}
	}
	walk(root)
	return len(seen)
}

// Assignment is one unit of work handed to an executor.
type Assignment struct {
	Node *buildbtw.BuildNode
}

// NextAssignments pops up to the engine's remaining concurrency budget
// worth of Ready nodes, transitioning each to Assigned. Reused nodes
// (already Built at plan time, see spec S6) never enter the ready
// queue, so they are never returned here.
func (e *Engine) NextAssignments(executorRef func() string) []Assignment {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Assignment
	for {
		a, ok := e.popOne(executorRef)
		if !ok {
			break
		}
		out = append(out, a)
	}
	return out
}

// NextAssignment claims at most one Ready node, transitioning it to
// Assigned. Used by the HTTP long-poll handler, where exactly one
// claim must be handed back per call (spec §9: assignment is a single
// atomic claim) rather than draining the whole ready queue.
func (e *Engine) NextAssignment(executorRef func() string) (Assignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.popOne(executorRef)
}

// popOne pops a single Ready node off the heap within the engine's
// concurrency budget, transitioning it to Assigned. Callers must hold
// e.mu.
func (e *Engine) popOne(executorRef func() string) (Assignment, bool) {
	for e.ready.Len() > 0 && (e.maxConcurrent <= 0 || e.inFlight < e.maxConcurrent) {
		item := heap.Pop(&e.ready).(readyItem)
		node := e.graph.Nodes[item.key]
		if node == nil || node.Status != buildbtw.NodeReady {
			continue
		}
		node.Status = buildbtw.NodeAssigned
		node.ExecutorRef = executorRef()
		node.AssignedAt = time.Now()
		e.inFlight++
		ev := trace.Event(string(item.key.Pkgbase), 0)
		ev.Categories = string(e.graph.Arch)
		e.pending[item.key] = ev
		return Assignment{Node: node}, true
	}
	return Assignment{}, false
}

// Report applies an executor-reported transition for one node. It is
// idempotent: reporting the same terminal status twice is a no-op, not
// an error (spec §4.4); reporting a status that would move a node
// backwards returns IllegalTransition.
func (e *Engine) Report(key buildbtw.NodeKey, to buildbtw.NodeStatus, outputFiles []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node := e.graph.Nodes[key]
	if node == nil {
		return &buildbtw.IllegalTransition{Pkgbase: string(key.Pkgbase), From: "unknown", To: string(to)}
	}
	if node.Status == to {
		return nil // idempotent repeat
	}
	if node.Status.IsTerminal() {
		return nil // a terminal node never moves again, even on a differing report
	}
	if !legalTransitions[node.Status][to] {
		return &buildbtw.IllegalTransition{Pkgbase: string(key.Pkgbase), From: string(node.Status), To: string(to)}
	}

	wasInFlight := node.Status == buildbtw.NodeAssigned || node.Status == buildbtw.NodeBuilding
	node.Status = to
	node.CompletedAt = time.Now()
	if to == buildbtw.NodeBuilt {
		node.OutputFiles = outputFiles
	}
	if to.IsTerminal() && wasInFlight {
		e.inFlight--
	}
	if to.IsTerminal() {
		if ev, ok := e.pending[key]; ok {
			ev.Args = map[string]string{"status": string(to)}
			ev.Done()
			delete(e.pending, key)
		}
	}

	if to == buildbtw.NodeBuilt {
		e.advanceDependents(key)
	}
	if to == buildbtw.NodeFailed || to == buildbtw.NodeCancelled {
		e.blockDependents(key)
	}
	return nil
}

// advanceDependents promotes every dependent of a newly Built node to
// Ready once all of its predecessors are Built (spec testable property
// 1), queueing it by descendant count.
func (e *Engine) advanceDependents(built buildbtw.NodeKey) {
	for _, depKey := range e.graph.Dependents[built] {
		dep := e.graph.Nodes[depKey]
		if dep == nil || dep.Status != buildbtw.NodePending {
			continue
		}
		if !e.allPredecessorsBuilt(depKey) {
			continue
		}
		dep.Status = buildbtw.NodeReady
		dep.ReadyAt = time.Now()
		heap.Push(&e.ready, readyItem{key: depKey, descendants: countDescendants(e.graph, depKey)})
	}
}

func (e *Engine) allPredecessorsBuilt(key buildbtw.NodeKey) bool {
	for _, pred := range e.graph.Predecessors[key] {
		n := e.graph.Nodes[pred]
		if n == nil || n.Status != buildbtw.NodeBuilt {
			return false
		}
	}
	return true
}

// blockDependents marks every transitive dependent of a failed or
// cancelled node Blocked (spec S3: failure propagation does not cancel
// the iteration, only the affected subtree).
func (e *Engine) blockDependents(from buildbtw.NodeKey) {
	var queue []buildbtw.NodeKey
	queue = append(queue, e.graph.Dependents[from]...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		node := e.graph.Nodes[key]
		if node == nil || node.Status.IsTerminal() || node.Status == buildbtw.NodeBlocked {
			continue
		}
		node.Status = buildbtw.NodeBlocked
		queue = append(queue, e.graph.Dependents[key]...)
	}
}

// Cancel marks every non-terminal node Cancelled, used when a
// namespace is cancelled or an iteration is superseded (spec S4).
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return
	}
	e.cancelled = true
	for _, node := range e.graph.Nodes {
		if !node.Status.IsTerminal() {
			node.Status = buildbtw.NodeCancelled
			node.CompletedAt = time.Now()
		}
	}
	e.ready = nil
}

// FindNode looks up the full NodeKey for pkgbase, used by the HTTP API
// to map a caller-supplied (pkgbase, arch) status report onto the
// commit-pinned key the engine is keyed by internally.
func (e *Engine) FindNode(pkgbase buildbtw.Pkgbase) (buildbtw.NodeKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.graph.Nodes {
		if key.Pkgbase == pkgbase {
			return key, true
		}
	}
	return buildbtw.NodeKey{}, false
}

// Done reports whether every node in the graph has reached a terminal
// status.
func (e *Engine) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, node := range e.graph.Nodes {
		if !node.Status.IsTerminal() {
			return false
		}
	}
	return true
}
