package httpapi

import (
	"net/http"
	"strings"

	buildbtw "github.com/buildbtw/buildbtw"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// handleGraph serves GET /namespace/{name}/{iteration}/{arch}/graph,
// emitting the build graph as Graphviz DOT. Rendering to SVG/HTML is
// external (spec §6); this handler supplies the input an operator
// pipes into `dot -Tsvg`.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/namespace/"), "/"), "/")
	if len(parts) != 4 || parts[3] != "graph" {
		return &buildbtw.MalformedRequest{Reason: "malformed graph path"}
	}
	name, iterationID, arch := parts[0], parts[1], parts[2]

	ns, err := s.Store.Namespace(r.Context(), name)
	if err != nil {
		return err
	}
	if ns == nil {
		http.NotFound(w, r)
		return nil
	}
	it, err := s.Store.Iteration(r.Context(), ns.ID, iterationID)
	if err != nil {
		return err
	}
	if it == nil {
		http.NotFound(w, r)
		return nil
	}
	bg := it.BuildGraphs[buildbtw.Architecture(arch)]
	if bg == nil {
		http.NotFound(w, r)
		return nil
	}

	out, err := dot.Marshal(buildGraphToDOT(bg), name+"_"+iterationID+"_"+arch, "", "  ")
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	_, err = w.Write(out)
	return err
}

type dotNode struct {
	id    int64
	label string
}

func (n *dotNode) ID() int64 { return n.id }
func (n *dotNode) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: n.label}}
}

// buildGraphToDOT flattens a BuildGraph's Dependents adjacency into a
// gonum simple.DirectedGraph labeled by pkgbase and status, reusing the
// same gonum graph types depgraph builds the Global Dependency Graph
// with rather than hand-rolling a second graph representation.
func buildGraphToDOT(bg *buildbtw.BuildGraph) *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	nodes := make(map[buildbtw.NodeKey]*dotNode, len(bg.Nodes))
	var id int64
	for key, node := range bg.Nodes {
		n := &dotNode{id: id, label: string(key.Pkgbase) + " (" + string(node.Status) + ")"}
		nodes[key] = n
		g.AddNode(n)
		id++
	}
	for from, deps := range bg.Dependents {
		for _, to := range deps {
			g.SetEdge(g.NewEdge(nodes[from], nodes[to]))
		}
	}
	return g
}
