package flushmanager

import "fmt"

// NodeID is a stable handle into a Graph. A handle becomes stale once its
// node is removed; the generation check catches reuse of the slot.
type NodeID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id was never assigned.
func (id NodeID) IsZero() bool { return id.gen == 0 }

func (id NodeID) String() string { return fmt.Sprintf("node(%d#%d)", id.index, id.gen) }

type color uint8

const (
	uncolored color = iota
	blue            // pending
	red             // cannot flush yet
	green           // flushable in this batch
)

type node[T any] struct {
	gen  uint32
	live bool

	payload   T
	preceders []NodeID // must flush no later than this node
	subseqers []NodeID // must flush no earlier than this node

	flushReady bool
	spawned    bool
	color      color
}

// Graph is the flush dependency DAG between write transactions. Nodes live in
// a generational arena and edges are stored as handles, so tearing a node
// down never leaves a dangling reference behind.
//
// Graph is not safe for concurrent use.
type Graph[T any] struct {
	nodes []node[T]
	free  []uint32
	live  int
}

// NewGraph creates an empty graph.
func NewGraph[T any]() *Graph[T] {
	return &Graph[T]{}
}

// Add inserts a new node carrying payload.
func (g *Graph[T]) Add(payload T) NodeID {
	var idx uint32
	if n := len(g.free); n > 0 {
		idx = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		g.nodes = append(g.nodes, node[T]{})
		idx = uint32(len(g.nodes) - 1)
	}
	n := &g.nodes[idx]
	n.gen++
	n.live = true
	n.payload = payload
	g.live++
	return NodeID{index: idx, gen: n.gen}
}

func (g *Graph[T]) get(id NodeID) *node[T] {
	if !g.Live(id) {
		ContractViolation("stale flush graph handle %s", id)
	}
	return &g.nodes[id.index]
}

// Live reports whether id refers to a node that has not been removed.
func (g *Graph[T]) Live(id NodeID) bool {
	if id.IsZero() || int(id.index) >= len(g.nodes) {
		return false
	}
	n := &g.nodes[id.index]
	return n.live && n.gen == id.gen
}

// Len is the number of live nodes.
func (g *Graph[T]) Len() int { return g.live }

func (g *Graph[T]) Payload(id NodeID) T { return g.get(id).payload }

// AddEdge records that subseqer must flush no earlier than preceder. It
// reports whether a new edge was created.
func (g *Graph[T]) AddEdge(subseqer, preceder NodeID) bool {
	if subseqer == preceder {
		return false
	}
	s, p := g.get(subseqer), g.get(preceder)
	for _, existing := range s.preceders {
		if existing == preceder {
			return false
		}
	}
	s.preceders = append(s.preceders, preceder)
	p.subseqers = append(p.subseqers, subseqer)
	return true
}

func (g *Graph[T]) Preceders(id NodeID) []NodeID {
	return append([]NodeID(nil), g.get(id).preceders...)
}

func (g *Graph[T]) Subseqers(id NodeID) []NodeID {
	return append([]NodeID(nil), g.get(id).subseqers...)
}

func (g *Graph[T]) MarkFlushReady(id NodeID)  { g.get(id).flushReady = true }
func (g *Graph[T]) FlushReady(id NodeID) bool { return g.get(id).flushReady }
func (g *Graph[T]) MarkSpawned(id NodeID)     { g.get(id).spawned = true }
func (g *Graph[T]) Spawned(id NodeID) bool    { return g.get(id).spawned }

// Remove deletes a node together with every edge touching it. It returns the
// subseqers that lost this node as a preceder.
func (g *Graph[T]) Remove(id NodeID) []NodeID {
	n := g.get(id)
	for _, p := range n.preceders {
		pn := g.get(p)
		pn.subseqers = removeID(pn.subseqers, id)
	}
	released := make([]NodeID, 0, len(n.subseqers))
	for _, s := range n.subseqers {
		sn := g.get(s)
		sn.preceders = removeID(sn.preceders, id)
		released = append(released, s)
	}

	var zero T
	n.payload = zero
	n.preceders = nil
	n.subseqers = nil
	n.flushReady = false
	n.spawned = false
	n.color = uncolored
	n.live = false
	g.free = append(g.free, id.index)
	g.live--
	return released
}

// MaximalFlushableSet computes the largest set of flush-ready nodes,
// containing start, that can be flushed together. Every node in the result
// only depends on nodes that are already spawned or in the result.
//
// The search colors nodes blue (pending), red (poisoned by an unready
// preceder) or green. Poison propagates forward along subseqer edges. All
// colors are reset before returning.
func (g *Graph[T]) MaximalFlushableSet(start NodeID) []NodeID {
	sn := g.get(start)
	if !sn.flushReady || sn.spawned {
		return nil
	}

	sn.color = blue
	colored := []NodeID{start}
	stack := []NodeID{start}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := g.get(id)
		if n.color != blue {
			continue
		}

		poisoned := false
		for _, p := range n.preceders {
			pn := g.get(p)
			if pn.spawned {
				continue
			}
			if !pn.flushReady || pn.color == red {
				poisoned = true
				continue
			}
			if pn.color == uncolored {
				pn.color = blue
				stack = append(stack, p)
				colored = append(colored, p)
			}
		}

		if poisoned {
			n.color = red
		} else {
			n.color = green
		}

		for _, s := range n.subseqers {
			sub := g.get(s)
			if sub.spawned || !sub.flushReady {
				continue
			}
			switch {
			case sub.color == uncolored && !poisoned:
				sub.color = blue
				stack = append(stack, s)
				colored = append(colored, s)
			case sub.color == green && poisoned:
				sub.color = blue
				stack = append(stack, s)
			}
		}
	}

	var flushable []NodeID
	for _, id := range colored {
		n := g.get(id)
		if n.color == green {
			flushable = append(flushable, id)
		}
		n.color = uncolored
	}
	return flushable
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
