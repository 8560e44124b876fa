// Package depgraph orders resources so that every dependency is ready before
// its dependents start, and reversed for teardown.
package depgraph

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/bnema/gantry/pkg/resource"
)

// Edge reasons.
const (
	ReasonDependsOn = "depends_on"
	ReasonLink      = "link"
	ReasonNetwork   = "network"
)

// Graph is the dependency graph of one batch.
type Graph struct {
	names []string       // declaration order
	index map[string]int // name -> declaration index
	edges []resource.DependencyEdge
	out   map[string][]string // from -> to
	in    map[string][]string // to -> from
}

// Build collects the edges implied by DependsOn, Links and membership of
// networks declared in the same batch. Networks not declared in the batch are
// external and create no edge.
func Build(specs []resource.Spec) (*Graph, error) {
	g := &Graph{
		names: make([]string, 0, len(specs)),
		index: make(map[string]int, len(specs)),
		out:   make(map[string][]string),
		in:    make(map[string][]string),
	}
	kinds := make(map[string]resource.Kind, len(specs))
	for i, s := range specs {
		if _, dup := g.index[s.Name]; dup {
			return nil, &resource.ConfigurationError{Resources: []string{s.Name}, Reason: "duplicate name"}
		}
		g.names = append(g.names, s.Name)
		g.index[s.Name] = i
		kinds[s.Name] = s.Kind
	}

	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, &resource.ConfigurationError{
					Resources: []string{s.Name},
					Reason:    fmt.Sprintf("depends on unknown resource %q", dep),
				}
			}
			g.addEdge(dep, s.Name, ReasonDependsOn)
		}
		for _, link := range s.Links {
			if kinds[link] == resource.KindNetwork {
				return nil, &resource.ConfigurationError{
					Resources: []string{s.Name},
					Reason:    fmt.Sprintf("cannot link to network %q", link),
				}
			}
			if _, ok := g.index[link]; !ok {
				return nil, &resource.ConfigurationError{
					Resources: []string{s.Name},
					Reason:    fmt.Sprintf("links to unknown resource %q", link),
				}
			}
			g.addEdge(link, s.Name, ReasonLink)
		}
		for _, network := range s.Networks {
			if kind, ok := kinds[network]; ok {
				if kind != resource.KindNetwork {
					return nil, &resource.ConfigurationError{
						Resources: []string{s.Name},
						Reason:    fmt.Sprintf("%q is not a network", network),
					}
				}
				g.addEdge(network, s.Name, ReasonNetwork)
			}
		}
	}
	return g, nil
}

func (g *Graph) addEdge(from, to, reason string) {
	if slices.Contains(g.out[from], to) {
		return
	}
	g.edges = append(g.edges, resource.DependencyEdge{From: from, To: to, Reason: reason})
	g.out[from] = append(g.out[from], to)
	g.in[to] = append(g.in[to], from)
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []resource.DependencyEdge {
	return slices.Clone(g.edges)
}

// TopologicalOrder returns all resources such that every edge source comes
// before its target. Among resources that are ready at the same time the one
// declared first wins.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.names))
	for _, n := range g.names {
		indegree[n] = len(g.in[n])
	}

	ready := &indexHeap{index: g.index}
	for _, n := range g.names {
		if indegree[n] == 0 {
			heap.Push(ready, n)
		}
	}

	order := make([]string, 0, len(g.names))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(string)
		order = append(order, n)
		for _, next := range g.out[n] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) != len(g.names) {
		cycle := g.findCycle(indegree)
		return nil, &resource.ConfigurationError{
			Resources: cycle[:len(cycle)-1],
			Reason:    "dependency cycle " + strings.Join(cycle, " -> "),
		}
	}
	return order, nil
}

// Levels groups resources into waves. Every resource of a level depends only
// on resources of earlier levels. Within a level declaration order is kept.
func (g *Graph) Levels() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, n := range order {
		d := 0
		for _, dep := range g.in[n] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[n] = d
		maxDepth = max(maxDepth, d)
	}

	levels := make([][]string, maxDepth+1)
	for _, n := range g.names {
		levels[depth[n]] = append(levels[depth[n]], n)
	}
	return levels, nil
}

// Dependents returns every resource that transitively depends on name, in
// declaration order.
func (g *Graph) Dependents(name string) []string {
	seen := map[string]bool{}
	stack := slices.Clone(g.out[name])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.out[n]...)
	}

	var out []string
	for _, n := range g.names {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// findCycle walks the resources left over by Kahn's algorithm and returns a
// closed path such as [a b a].
func (g *Graph) findCycle(indegree map[string]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	color := make(map[string]int)
	var path []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = onStack
		path = append(path, n)
		for _, next := range g.out[n] {
			if indegree[next] == 0 {
				continue
			}
			switch color[next] {
			case onStack:
				start := slices.Index(path, next)
				cycle := slices.Clone(path[start:])
				return append(cycle, next)
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = done
		return nil
	}

	for _, n := range g.names {
		if indegree[n] > 0 && color[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return []string{"?", "?"}
}

// indexHeap pops names by declaration index.
type indexHeap struct {
	items []string
	index map[string]int
}

func (h *indexHeap) Len() int           { return len(h.items) }
func (h *indexHeap) Less(i, j int) bool { return h.index[h.items[i]] < h.index[h.items[j]] }
func (h *indexHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *indexHeap) Push(x any)         { h.items = append(h.items, x.(string)) }
func (h *indexHeap) Pop() any {
	n := len(h.items)
	x := h.items[n-1]
	h.items = h.items[:n-1]
	return x
}
