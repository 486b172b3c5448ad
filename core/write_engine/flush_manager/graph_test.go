package flushmanager

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// payloads returns the sorted payloads of ids, for order-independent checks.
func payloads(g *Graph[string], ids []NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.Payload(id))
	}
	sort.Strings(out)
	return out
}

func TestGraph_LonelyReadyNodeFlushesAlone(t *testing.T) {
	g := NewGraph[string]()
	t1 := g.Add("t1")
	require.Nil(t, g.MaximalFlushableSet(t1), "not flush-ready yet")

	g.MarkFlushReady(t1)
	require.Equal(t, []string{"t1"}, payloads(g, g.MaximalFlushableSet(t1)))
}

func TestGraph_SubseqerWaitsForPreceder(t *testing.T) {
	g := NewGraph[string]()
	t1 := g.Add("t1")
	t2 := g.Add("t2")
	require.True(t, g.AddEdge(t2, t1))
	require.False(t, g.AddEdge(t2, t1), "duplicate edge")

	g.MarkFlushReady(t2)
	require.Empty(t, g.MaximalFlushableSet(t2), "t2 must not flush before t1 is ready")

	g.MarkFlushReady(t1)
	require.Equal(t, []string{"t1", "t2"}, payloads(g, g.MaximalFlushableSet(t1)))
	require.Equal(t, []string{"t1", "t2"}, payloads(g, g.MaximalFlushableSet(t2)))
}

func TestGraph_UnreadySubseqerIsLeftBehind(t *testing.T) {
	g := NewGraph[string]()
	t1 := g.Add("t1")
	t2 := g.Add("t2")
	g.AddEdge(t2, t1)
	g.MarkFlushReady(t1)

	require.Equal(t, []string{"t1"}, payloads(g, g.MaximalFlushableSet(t1)))
}

func TestGraph_PoisonPropagatesForward(t *testing.T) {
	// a <- b <- c, and b also depends on x which is not ready.
	g := NewGraph[string]()
	a, b, c, x := g.Add("a"), g.Add("b"), g.Add("c"), g.Add("x")
	g.AddEdge(b, a)
	g.AddEdge(c, b)
	g.AddEdge(b, x)
	for _, id := range []NodeID{a, b, c} {
		g.MarkFlushReady(id)
	}

	require.Equal(t, []string{"a"}, payloads(g, g.MaximalFlushableSet(a)))
	// Starting from c still discovers that a alone is safe.
	require.Equal(t, []string{"a"}, payloads(g, g.MaximalFlushableSet(c)))

	g.MarkFlushReady(x)
	require.Equal(t, []string{"a", "b", "c", "x"}, payloads(g, g.MaximalFlushableSet(c)))
}

func TestGraph_GreenNodeRecoloredByLatePoison(t *testing.T) {
	// d depends on both a and b; b depends on an unready u. Starting from a
	// visits d before the poison from b reaches it.
	g := NewGraph[string]()
	a, b, d, u := g.Add("a"), g.Add("b"), g.Add("d"), g.Add("u")
	g.AddEdge(d, a)
	g.AddEdge(d, b)
	g.AddEdge(b, u)
	for _, id := range []NodeID{a, b, d} {
		g.MarkFlushReady(id)
	}

	require.Equal(t, []string{"a"}, payloads(g, g.MaximalFlushableSet(a)))
}

func TestGraph_SpawnedPrecedersAreIgnored(t *testing.T) {
	g := NewGraph[string]()
	t1, t2 := g.Add("t1"), g.Add("t2")
	g.AddEdge(t2, t1)
	g.MarkFlushReady(t1)
	g.MarkSpawned(t1)
	g.MarkFlushReady(t2)

	require.Equal(t, []string{"t2"}, payloads(g, g.MaximalFlushableSet(t2)))
	require.Nil(t, g.MaximalFlushableSet(t1), "spawned nodes are outside the live graph")
}

func TestGraph_ColorsAreReset(t *testing.T) {
	g := NewGraph[string]()
	t1, t2 := g.Add("t1"), g.Add("t2")
	g.AddEdge(t2, t1)
	g.MarkFlushReady(t2)
	require.Empty(t, g.MaximalFlushableSet(t2))

	g.MarkFlushReady(t1)
	// A stale red mark on t2 would hide it here.
	require.Equal(t, []string{"t1", "t2"}, payloads(g, g.MaximalFlushableSet(t1)))
}

func TestGraph_RemoveClearsBothSides(t *testing.T) {
	g := NewGraph[string]()
	t1, t2, t3 := g.Add("t1"), g.Add("t2"), g.Add("t3")
	g.AddEdge(t2, t1)
	g.AddEdge(t3, t2)

	released := g.Remove(t2)
	require.Equal(t, []NodeID{t3}, released)
	require.Empty(t, g.Subseqers(t1))
	require.Empty(t, g.Preceders(t3))
	require.False(t, g.Live(t2))
	require.Equal(t, 2, g.Len())

	// The arena slot is reused with a new generation.
	t4 := g.Add("t4")
	require.NotEqual(t, t2, t4)
	require.False(t, g.Live(t2))
	require.Panics(t, func() { g.Payload(t2) })
}

func TestGraph_SelfEdgeIgnored(t *testing.T) {
	g := NewGraph[string]()
	t1 := g.Add("t1")
	require.False(t, g.AddEdge(t1, t1))
	require.Empty(t, g.Preceders(t1))
}
