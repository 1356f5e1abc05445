// Package graph provides the execution graph of backend service nodes.
//
// A Graph is built once at start-up with Add and Connect, which reject
// duplicate names, unknown endpoints and cycles. After construction the
// graph is only read, so a single instance can be shared by any number
// of concurrent requests without locking.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrAmbiguousTerminal is returned by TerminalFrom when more than one sink
// is reachable from the response-bearing node.
var ErrAmbiguousTerminal = errors.New("ambiguous terminal node")

// DuplicateNodeError is returned when a node name is registered twice
type DuplicateNodeError struct {
	Name string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node: %s", e.Name)
}

// UnknownNodeError is returned when an operation references an unregistered node
type UnknownNodeError struct {
	Name string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node: %s", e.Name)
}

// CycleError is returned when an edge would close a cycle. Path is the
// existing route from To back to From that the new edge would complete.
type CycleError struct {
	From string
	To   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("edge %s -> %s creates a cycle", e.From, e.To)
	}
	return fmt.Sprintf("edge %s -> %s creates a cycle via %s", e.From, e.To, strings.Join(e.Path, " -> "))
}

// Graph is a DAG of service nodes
type Graph struct {
	nodes map[string]ServiceNode
	out   map[string][]string
	in    map[string][]string
	edges []Edge
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes: make(map[string]ServiceNode),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
}

// Add registers a node
func (g *Graph) Add(node ServiceNode) error {
	if _, exists := g.nodes[node.Name]; exists {
		return &DuplicateNodeError{Name: node.Name}
	}
	if err := node.Validate(); err != nil {
		return err
	}
	g.nodes[node.Name] = node
	return nil
}

// Connect adds the edge from -> to. A failing call leaves the graph unchanged.
// Connecting an edge that already exists is a no-op.
func (g *Graph) Connect(from, to string) error {
	if _, ok := g.nodes[from]; !ok {
		return &UnknownNodeError{Name: from}
	}
	if _, ok := g.nodes[to]; !ok {
		return &UnknownNodeError{Name: to}
	}
	for _, succ := range g.out[from] {
		if succ == to {
			return nil
		}
	}

	if path := g.path(to, from); path != nil {
		return &CycleError{From: from, To: to, Path: path}
	}

	g.out[from] = insertSorted(g.out[from], to)
	g.in[to] = insertSorted(g.in[to], from)
	g.edges = append(g.edges, Edge{From: from, To: to})
	return nil
}

// path returns a route src -> ... -> dst, or nil if dst is unreachable
func (g *Graph) path(src, dst string) []string {
	parent := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dst {
			var route []string
			for n := dst; n != ""; n = parent[n] {
				route = append([]string{n}, route...)
			}
			return route
		}
		for _, next := range g.out[cur] {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// TopologicalOrder returns every node in an order consistent with all
// edges. Nodes with no relative constraint are ordered by name.
func (g *Graph) TopologicalOrder() ([]ServiceNode, error) {
	indeg := make(map[string]int, len(g.nodes))
	for name := range g.nodes {
		indeg[name] = len(g.in[name])
	}

	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]ServiceNode, 0, len(g.nodes))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, g.nodes[name])
		for _, succ := range g.out[name] {
			indeg[succ]--
			if indeg[succ] == 0 {
				ready = insertSorted(ready, succ)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &CycleError{}
	}
	return order, nil
}

// Node returns the node registered under name
func (g *Graph) Node(name string) (ServiceNode, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges returns a copy of the edge set in insertion order
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Predecessors returns the direct upstream nodes of name, sorted by name
func (g *Graph) Predecessors(name string) []string {
	return append([]string(nil), g.in[name]...)
}

// Successors returns the direct downstream nodes of name, sorted by name
func (g *Graph) Successors(name string) []string {
	return append([]string(nil), g.out[name]...)
}

// EntryNodes returns the nodes with no incoming edge, sorted by name
func (g *Graph) EntryNodes() []string {
	var entries []string
	for name := range g.nodes {
		if len(g.in[name]) == 0 {
			entries = append(entries, name)
		}
	}
	sort.Strings(entries)
	return entries
}

// TerminalFrom returns the single node without outgoing edges that is
// reachable from name (name itself when it has no successors).
func (g *Graph) TerminalFrom(name string) (string, error) {
	if _, ok := g.nodes[name]; !ok {
		return "", &UnknownNodeError{Name: name}
	}

	seen := map[string]bool{name: true}
	queue := []string{name}
	var sinks []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if len(g.out[cur]) == 0 {
			sinks = append(sinks, cur)
			continue
		}
		for _, next := range g.out[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	if len(sinks) != 1 {
		sort.Strings(sinks)
		return "", fmt.Errorf("%w: %s reaches %s", ErrAmbiguousTerminal, name, strings.Join(sinks, ", "))
	}
	return sinks[0], nil
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}
