package lineage

import "sync"

// PointerSource loads the pointer of one state.
type PointerSource func(stateDir string) (Pointer, bool, error)

type node struct {
	ptr Pointer
	ok  bool
}

// Graph is the parent-pointer graph over state directories, filled lazily
// from a PointerSource. Safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	src   PointerSource
	nodes map[string]node
}

// NewGraph returns a graph reading pointers from disk.
func NewGraph() *Graph {
	return NewGraphFrom(Read)
}

// NewGraphFrom returns a graph backed by src.
func NewGraphFrom(src PointerSource) *Graph {
	return &Graph{src: src, nodes: make(map[string]node)}
}

// Parent returns the pointer of stateDir, consulting the source once.
func (g *Graph) Parent(stateDir string) (Pointer, bool, error) {
	g.mu.Lock()
	n, cached := g.nodes[stateDir]
	g.mu.Unlock()
	if cached {
		return n.ptr, n.ok, nil
	}

	ptr, ok, err := g.src(stateDir)
	if err != nil {
		return Pointer{}, false, err
	}

	g.mu.Lock()
	g.nodes[stateDir] = node{ptr: ptr, ok: ok}
	g.mu.Unlock()
	return ptr, ok, nil
}

// Len returns the number of states loaded so far.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}
