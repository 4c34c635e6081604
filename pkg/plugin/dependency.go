package plugin

import (
	"fmt"
	"sort"
	"strings"
)

type GraphNode struct {
	Title      string
	DependsOn  []string
	Dependents []string
}

// DependencyGraph orders plugins so that every plugin comes after the
// plugins it requires.
type DependencyGraph struct {
	nodes map[string]*GraphNode
}

// NewDependencyGraph creates an empty graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*GraphNode)}
}

func (g *DependencyGraph) AddPlugin(title string) *GraphNode {
	if node, exists := g.nodes[title]; exists {
		return node
	}
	node := &GraphNode{Title: title}
	g.nodes[title] = node
	return node
}

func (g *DependencyGraph) Node(title string) (*GraphNode, bool) {
	node, ok := g.nodes[title]
	return node, ok
}

// AddDependency records that from requires to.
func (g *DependencyGraph) AddDependency(from, to string) error {
	fromNode, exists := g.nodes[from]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, from)
	}
	toNode, exists := g.nodes[to]
	if !exists {
		return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, from, to)
	}

	if !contains(fromNode.DependsOn, to) {
		fromNode.DependsOn = append(fromNode.DependsOn, to)
	}
	if !contains(toNode.Dependents, from) {
		toNode.Dependents = append(toNode.Dependents, from)
	}
	return nil
}

const (
	unvisited = iota
	visiting
	visited
)

// DetectCycle returns the first cycle found, as a path that starts and ends
// with the same title.
func (g *DependencyGraph) DetectCycle() []string {
	marks := make(map[string]int, len(g.nodes))

	var walk func(title string, path []string) []string
	walk = func(title string, path []string) []string {
		switch marks[title] {
		case visiting:
			for i, n := range path {
				if n == title {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, title)
				}
			}
			return append(path, title)
		case visited:
			return nil
		}

		marks[title] = visiting
		path = append(path, title)
		for _, dep := range sortedCopy(g.nodes[title].DependsOn) {
			if cycle := walk(dep, path); len(cycle) > 0 {
				return cycle
			}
		}
		marks[title] = visited
		return nil
	}

	for _, title := range g.titles() {
		if marks[title] == unvisited {
			if cycle := walk(title, nil); len(cycle) > 0 {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalSort returns titles with dependencies before dependents. Ties are
// broken alphabetically so the order is stable.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if cycle := g.DetectCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
	}

	seen := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(title string)
	visit = func(title string) {
		seen[title] = true
		for _, dep := range sortedCopy(g.nodes[title].DependsOn) {
			if !seen[dep] {
				visit(dep)
			}
		}
		result = append(result, title)
	}

	for _, title := range g.titles() {
		if !seen[title] {
			visit(title)
		}
	}
	return result, nil
}

func (g *DependencyGraph) titles() []string {
	titles := make([]string, 0, len(g.nodes))
	for title := range g.nodes {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

// ResolveDependencies computes the load order from each plugin's Requires list.
func (m *Manager) ResolveDependencies() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := NewDependencyGraph()
	for title := range m.plugins {
		graph.AddPlugin(title)
	}

	var missing []string
	for title, e := range m.plugins {
		for _, dep := range e.adapter.Metadata().Requires {
			if err := graph.AddDependency(title, dep); err != nil {
				missing = append(missing, fmt.Sprintf("%s -> %s", title, dep))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %v", ErrDependencyMissing, missing)
	}

	order, err := graph.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependencies: %w", err)
	}

	m.loadOrder = order
	m.logger.Debug("dependencies resolved", "order", order)
	return order, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedCopy(list []string) []string {
	out := append([]string(nil), list...)
	sort.Strings(out)
	return out
}
