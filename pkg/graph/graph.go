// Package graph is an in-memory directed multigraph: several edges of the
// same kind may join the same pair of nodes. The graph cache projects its
// contents into one for traversal and analytics.
package graph

import "sort"

// Node is a vertex of the graph.
type Node struct {
	ID     string   `json:"id"`
	Label  string   `json:"label"`
	Kind   string   `json:"kind"`
	Labels []string `json:"labels,omitempty"`
}

// Edge is a directed, typed connection. Kind is the edge label
// (RELATES_TO, TAGGED_WITH, ...); Type carries the relationship type for
// RELATES_TO edges.
type Edge struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Kind   string  `json:"kind"`
	Type   string  `json:"type,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// Graph is a directed multigraph.
type Graph struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges map[string]*Edge `json:"edges"`

	// adjacency: node id -> edge ids
	out map[string][]string
	in  map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		Nodes: make(map[string]*Node),
		Edges: make(map[string]*Edge),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// EnsureNode adds a node if it doesn't exist and returns the stored node.
func (g *Graph) EnsureNode(id, label, kind string) *Node {
	if existing, ok := g.Nodes[id]; ok {
		return existing
	}
	n := &Node{ID: id, Label: label, Kind: kind}
	g.Nodes[id] = n
	return n
}

// AddEdge stores e. Missing endpoints are created as bare nodes. An edge
// with an id already present replaces the old one.
func (g *Graph) AddEdge(e *Edge) {
	if old, ok := g.Edges[e.ID]; ok {
		g.unlink(old)
	}
	g.EnsureNode(e.Source, "", "")
	g.EnsureNode(e.Target, "", "")
	g.Edges[e.ID] = e
	g.out[e.Source] = append(g.out[e.Source], e.ID)
	g.in[e.Target] = append(g.in[e.Target], e.ID)
}

// RemoveEdge deletes the edge with id.
func (g *Graph) RemoveEdge(id string) bool {
	e, ok := g.Edges[id]
	if !ok {
		return false
	}
	g.unlink(e)
	delete(g.Edges, id)
	return true
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(id string) bool {
	if _, ok := g.Nodes[id]; !ok {
		return false
	}
	for _, eid := range append(append([]string(nil), g.out[id]...), g.in[id]...) {
		g.RemoveEdge(eid)
	}
	delete(g.Nodes, id)
	delete(g.out, id)
	delete(g.in, id)
	return true
}

func (g *Graph) unlink(e *Edge) {
	g.out[e.Source] = without(g.out[e.Source], e.ID)
	g.in[e.Target] = without(g.in[e.Target], e.ID)
}

func without(ids []string, id string) []string {
	for i, x := range ids {
		if x == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// GetNode retrieves a node by ID.
func (g *Graph) GetNode(id string) *Node {
	return g.Nodes[id]
}

// OutgoingEdges returns edges originating from id, in insertion order.
func (g *Graph) OutgoingEdges(id string) []*Edge {
	return g.collect(g.out[id])
}

// IncomingEdges returns edges pointing to id, in insertion order.
func (g *Graph) IncomingEdges(id string) []*Edge {
	return g.collect(g.in[id])
}

func (g *Graph) collect(ids []string) []*Edge {
	out := make([]*Edge, 0, len(ids))
	for _, eid := range ids {
		if e := g.Edges[eid]; e != nil {
			out = append(out, e)
		}
	}
	return out
}

// EdgesBetween returns every edge from source to target, optionally of a
// single kind.
func (g *Graph) EdgesBetween(source, target, kind string) []*Edge {
	var out []*Edge
	for _, e := range g.OutgoingEdges(source) {
		if e.Target == target && (kind == "" || e.Kind == kind) {
			out = append(out, e)
		}
	}
	return out
}

// Neighbors returns all nodes connected to id in either direction, sorted
// by id.
func (g *Graph) Neighbors(id string) []*Node {
	seen := make(map[string]bool)
	var result []*Node
	add := func(nid string) {
		if nid == id || seen[nid] {
			return
		}
		seen[nid] = true
		if n := g.Nodes[nid]; n != nil {
			result = append(result, n)
		}
	}
	for _, e := range g.OutgoingEdges(id) {
		add(e.Target)
	}
	for _, e := range g.IncomingEdges(id) {
		add(e.Source)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.Nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.Edges)
}

// ShortestPath returns node ids from source to target following edges in
// either direction, or nil when unreachable.
func (g *Graph) ShortestPath(source, target string) []string {
	if g.Nodes[source] == nil || g.Nodes[target] == nil {
		return nil
	}
	prev := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			var path []string
			for n := target; n != ""; n = prev[n] {
				path = append([]string{n}, path...)
				if n == source {
					break
				}
			}
			return path
		}
		for _, n := range g.Neighbors(cur) {
			if _, ok := prev[n.ID]; !ok {
				prev[n.ID] = cur
				queue = append(queue, n.ID)
			}
		}
	}
	return nil
}

// DegreeCentrality computes (in+out)/(2*(n-1)) for each node. Parallel
// edges each count.
func (g *Graph) DegreeCentrality() map[string]float64 {
	n := len(g.Nodes)
	result := make(map[string]float64, n)
	if n <= 1 {
		for id := range g.Nodes {
			result[id] = 0.0
		}
		return result
	}

	normalizer := 2.0 * float64(n-1)
	for id := range g.Nodes {
		result[id] = float64(len(g.out[id])+len(g.in[id])) / normalizer
	}
	return result
}

// OrphanNodes returns nodes with no connections, sorted by id.
func (g *Graph) OrphanNodes() []*Node {
	var orphans []*Node
	for id, node := range g.Nodes {
		if len(g.out[id]) == 0 && len(g.in[id]) == 0 {
			orphans = append(orphans, node)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}

// Clear removes all nodes and edges.
func (g *Graph) Clear() {
	g.Nodes = make(map[string]*Node)
	g.Edges = make(map[string]*Edge)
	g.out = make(map[string][]string)
	g.in = make(map[string][]string)
}
