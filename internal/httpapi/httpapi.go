// Package httpapi serves the JSON HTTP API named in spec §6: namespace
// lifecycle, iteration detail, artifact upload, node status reports,
// worker assignment long-poll, and static repository serving.
//
// Grounded on distr1-distri's cmd/distri-repobrowser/repobrowser.go,
// whose errHandlerFunc wraps a handler returning an error into one that
// logs and writes an HTTP 500; this package generalizes that wrapper to
// map buildbtw's typed error kinds onto the status codes spec §6 and
// §7 name, instead of collapsing everything to 500.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	buildbtw "github.com/buildbtw/buildbtw"
	"github.com/buildbtw/buildbtw/internal/iterrepo"
	"github.com/buildbtw/buildbtw/internal/reconciler"
	"github.com/buildbtw/buildbtw/internal/sourcemirror"
	"github.com/buildbtw/buildbtw/internal/store"
	"github.com/google/uuid"
)

// Server wires the persistence, planning, and scheduling layers into
// the HTTP surface. It holds no state of its own beyond what it needs
// to find the right Store/Engine for a request.
type Server struct {
	Store      store.Store
	Mirror     *sourcemirror.Mirror
	Engines    *reconciler.Engines
	Reconciler *reconciler.Reconciler
	Repo       *iterrepo.Repository
	Archs      []buildbtw.Architecture
	AssignWait time.Duration
	Log        *log.Logger
}

func New(st store.Store, mirror *sourcemirror.Mirror, engines *reconciler.Engines, rec *reconciler.Reconciler, repo *iterrepo.Repository, archs []buildbtw.Architecture) *Server {
	return &Server{
		Store:      st,
		Mirror:     mirror,
		Engines:    engines,
		Reconciler: rec,
		Repo:       repo,
		Archs:      archs,
		AssignWait: 30 * time.Second,
		Log:        log.New(log.Writer(), "httpapi: ", log.LstdFlags),
	}
}

// errHandler adapts a handler returning an error into an http.Handler,
// translating buildbtw's typed error kinds into the status codes named
// by spec §6/§7 rather than collapsing every failure to 500.
func (s *Server) errHandler(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var (
			nameTaken     *buildbtw.NameTaken
			originUnknown *buildbtw.OriginUnknown
			branchMissing *buildbtw.BranchMissing
			malformed     *buildbtw.MalformedRequest
			superseded    *buildbtw.IterationSuperseded
			illegal       *buildbtw.IllegalTransition
		)
		status := http.StatusInternalServerError
		switch {
		case errors.As(err, &nameTaken), errors.As(err, &illegal):
			status = http.StatusConflict
		case errors.As(err, &originUnknown), errors.As(err, &branchMissing), errors.As(err, &malformed):
			status = http.StatusBadRequest
		case errors.As(err, &superseded):
			status = http.StatusGone
		}
		if status == http.StatusInternalServerError {
			s.Log.Printf("HTTP serving error: %v", err)
		}
		http.Error(w, err.Error(), status)
	})
}

// Mux builds the top-level router. It uses the standard library's
// mux with manual path parsing (no router dependency appears anywhere
// in the teacher stack), matching distri-repobrowser's plain
// http.HandleFunc style.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/namespace", s.errHandler(s.handleNamespaceCollection))
	mux.Handle("/namespace/", s.errHandler(s.namespaceRouter))
	mux.Handle("/iteration/", s.errHandler(s.handleArtifactUpload))
	mux.Handle("/node/", s.errHandler(s.handleNodeStatus))
	mux.Handle("/worker/assignment", s.errHandler(s.handleWorkerAssignment))
	mux.Handle("/repo/", s.Repo.Handler())
	return mux
}

type createNamespaceRequest struct {
	Name             string               `json:"name"`
	OriginChangesets []buildbtw.BranchRef `json:"origin_changesets"`
}

// handleNamespaceCollection serves POST /namespace and GET /namespace.
func (s *Server) handleNamespaceCollection(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodPost:
		var req createNamespaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return &buildbtw.MalformedRequest{Reason: err.Error()}
		}
		if req.Name == "" || len(req.OriginChangesets) == 0 {
			return &buildbtw.MalformedRequest{Reason: "name and origin_changesets are required"}
		}
		ns := &buildbtw.Namespace{
			ID:               uuid.NewString(),
			Name:             req.Name,
			OriginChangesets: req.OriginChangesets,
			Status:           buildbtw.NamespaceActive,
			CreatedAt:        time.Now(),
		}
		if err := s.Store.CreateNamespace(r.Context(), ns); err != nil {
			return err
		}
		if err := s.Reconciler.CreateIteration(r.Context(), ns, "first iteration"); err != nil {
			return err
		}
		return writeJSON(w, http.StatusCreated, ns)
	case http.MethodGet:
		list, err := s.Store.ListNamespaces(r.Context())
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, list)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
}

// namespaceRouter dispatches everything under /namespace/{name}/... to
// the handler matching its path shape: plain ServeMux patterns cannot
// express the variable-depth {name}/{iteration}/{arch}/graph suffix.
func (s *Server) namespaceRouter(w http.ResponseWriter, r *http.Request) error {
	if strings.HasSuffix(r.URL.Path, "/graph") {
		return s.handleGraph(w, r)
	}
	return s.handleNamespaceItem(w, r)
}

// handleNamespaceItem serves GET/cancel on /namespace/{name}[/cancel]
// and GET /namespace/{name}/{iteration_id}.
func (s *Server) handleNamespaceItem(w http.ResponseWriter, r *http.Request) error {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/namespace/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return &buildbtw.MalformedRequest{Reason: "missing namespace name"}
	}
	name := parts[0]

	ns, err := s.Store.Namespace(r.Context(), name)
	if err != nil {
		return err
	}
	if ns == nil {
		http.NotFound(w, r)
		return nil
	}

	switch {
	case len(parts) == 1:
		return writeJSON(w, http.StatusOK, ns)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		if err := s.Store.CancelNamespace(r.Context(), name); err != nil {
			return err
		}
		it, err := s.Store.LatestIteration(r.Context(), ns.ID)
		if err != nil {
			return err
		}
		if it != nil {
			s.Engines.CancelIteration(it.ID, s.Archs)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	case len(parts) == 2:
		it, err := s.Store.Iteration(r.Context(), ns.ID, parts[1])
		if err != nil {
			return err
		}
		if it == nil {
			http.NotFound(w, r)
			return nil
		}
		return writeJSON(w, http.StatusOK, it)
	}
	http.NotFound(w, r)
	return nil
}

// handleArtifactUpload serves
// POST /iteration/{id}/pkgbase/{pkgbase}/pkgname/{pkgname}/architecture/{arch}/package
func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/iteration/"), "/"), "/")
	if len(parts) != 8 || parts[1] != "pkgbase" || parts[3] != "pkgname" || parts[5] != "architecture" || parts[7] != "package" {
		return &buildbtw.MalformedRequest{Reason: "malformed artifact upload path"}
	}
	iterationID, arch := parts[0], parts[6]

	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		return &buildbtw.MalformedRequest{Reason: "file_name query parameter is required"}
	}
	if err := s.Repo.AcceptArtifact(r.Context(), iterationID, arch, fileName, r.Body); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type nodeStatusRequest struct {
	Status      string   `json:"status"`
	ExecutorRef string   `json:"executor_ref,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
}

// handleNodeStatus serves POST /node/{iteration}/{pkgbase}/{arch}/status.
func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/node/"), "/"), "/")
	if len(parts) != 4 || parts[3] != "status" {
		return &buildbtw.MalformedRequest{Reason: "malformed node status path"}
	}
	iterationID, pkg, arch := parts[0], parts[1], parts[2]

	var req nodeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return &buildbtw.MalformedRequest{Reason: err.Error()}
	}

	eng := s.Engines.Get(iterationID, buildbtw.Architecture(arch))
	if eng == nil {
		return &buildbtw.IterationSuperseded{IterationID: iterationID}
	}

	key, ok := eng.FindNode(buildbtw.Pkgbase(pkg))
	if !ok {
		return &buildbtw.MalformedRequest{Reason: "unknown node " + pkg}
	}
	if err := eng.Report(key, buildbtw.NodeStatus(req.Status), req.OutputFiles); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type assignmentResponse struct {
	IterationID string `json:"iteration_id"`
	Pkgbase     string `json:"pkgbase"`
	Commit      string `json:"commit"`
	Arch        string `json:"arch"`
	ExecutorRef string `json:"executor_ref"`
}

// handleWorkerAssignment serves GET /worker/assignment, long-polling
// across every known engine for the first Ready node (spec §6: workers
// block here rather than the reconciler pushing to them).
func (s *Server) handleWorkerAssignment(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.AssignWait)
	defer cancel()

	for {
		if a, ok := s.pollAssignment(); ok {
			return writeJSON(w, http.StatusOK, assignmentResponse{
				IterationID: a.IterationID,
				Pkgbase:     string(a.Assignment.Node.Pkgbase),
				Commit:      a.Assignment.Node.Commit,
				Arch:        string(a.Assignment.Node.Arch),
				ExecutorRef: a.Assignment.Node.ExecutorRef,
			})
		}
		select {
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) pollAssignment() (reconciler.WorkerAssignment, bool) {
	return s.Engines.NextAcrossAll(func() string { return uuid.NewString() })
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
