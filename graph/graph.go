// Package graph records module import edges for a single project.
package graph

import (
	"sort"
	"sync"
)

// Graph is a directed importer -> imported adjacency set. Edges of a file are
// rebuilt lazily: Invalidate marks the file stale and the next SetImports or
// RecordEdge for that importer replaces its outgoing edges.
type Graph struct {
	mu        sync.RWMutex
	imports   map[string]map[string]struct{}
	importers map[string]map[string]struct{}
	stale     map[string]struct{}
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		imports:   make(map[string]map[string]struct{}),
		importers: make(map[string]map[string]struct{}),
		stale:     make(map[string]struct{}),
	}
}

// RecordEdge adds importer -> imported
func (g *Graph) RecordEdge(importer, imported string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropIfStale(importer)
	g.addEdge(importer, imported)
}

// SetImports replaces all outgoing edges of importer
func (g *Graph) SetImports(importer string, imported []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropOutgoing(importer)
	delete(g.stale, importer)
	g.ensureNode(importer)
	for _, dep := range imported {
		g.addEdge(importer, dep)
	}
}

// Invalidate marks the outgoing edges of file as stale
func (g *Graph) Invalidate(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasNode(file) {
		g.stale[file] = struct{}{}
	}
}

// IsStale reports whether the edges of file must be rebuilt
func (g *Graph) IsStale(file string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.stale[file]
	return ok
}

// Remove deletes file and every edge touching it
func (g *Graph) Remove(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropOutgoing(file)
	for importer := range g.importers[file] {
		delete(g.imports[importer], file)
	}
	delete(g.importers, file)
	delete(g.imports, file)
	delete(g.stale, file)
}

// HasModule reports whether file is a node of the graph
func (g *Graph) HasModule(file string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasNode(file)
}

// ImportersOf returns the files that import file, sorted
func (g *Graph) ImportersOf(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.importers[file])
}

// ImportsOf returns the files imported by file, sorted
func (g *Graph) ImportsOf(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.imports[file])
}

// Dependencies returns every file reachable from file, excluding file itself
func (g *Graph) Dependencies(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]struct{}{file: {}}
	queue := []string{file}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for dep := range g.imports[next] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}
	delete(seen, file)
	return sortedKeys(seen)
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make(map[string]struct{}, len(g.imports)+len(g.importers))
	for n := range g.imports {
		nodes[n] = struct{}{}
	}
	for n := range g.importers {
		nodes[n] = struct{}{}
	}
	return len(nodes)
}

func (g *Graph) hasNode(file string) bool {
	if _, ok := g.imports[file]; ok {
		return true
	}
	_, ok := g.importers[file]
	return ok
}

func (g *Graph) ensureNode(file string) {
	if _, ok := g.imports[file]; !ok {
		g.imports[file] = make(map[string]struct{})
	}
}

func (g *Graph) addEdge(importer, imported string) {
	g.ensureNode(importer)
	g.imports[importer][imported] = struct{}{}
	if _, ok := g.importers[imported]; !ok {
		g.importers[imported] = make(map[string]struct{})
	}
	g.importers[imported][importer] = struct{}{}
}

func (g *Graph) dropIfStale(importer string) {
	if _, ok := g.stale[importer]; !ok {
		return
	}
	g.dropOutgoing(importer)
	delete(g.stale, importer)
}

func (g *Graph) dropOutgoing(importer string) {
	for dep := range g.imports[importer] {
		delete(g.importers[dep], importer)
	}
	if _, ok := g.imports[importer]; ok {
		g.imports[importer] = make(map[string]struct{})
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
