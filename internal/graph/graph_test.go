package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/graph/graphtest"
)

func TestGDFO_Reference(t *testing.T) {
	ranks, err := graphtest.Reference().GDFO()
	require.NoError(t, err)
	assert.Equal(t, graphtest.ReferenceGDFO, ranks)
}

func TestGDFO_MatchesDefinition(t *testing.T) {
	g := graphtest.Reference()
	ranks, err := g.GDFO()
	require.NoError(t, err)

	for _, id := range g.IDs() {
		ps, _ := g.Parents(id)
		want := int64(1)
		for _, p := range ps {
			if ranks[p]+1 > want {
				want = ranks[p] + 1
			}
		}
		assert.Equal(t, want, ranks[id], "gdfo of %s", id)
	}
}

func TestGDFO_GhostParentsRankZero(t *testing.T) {
	g := graph.New()
	g.Add("X", "ghost")
	g.Add("Y", "X", "other-ghost")

	ranks, err := g.GDFO()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ranks["X"])
	assert.Equal(t, int64(2), ranks["Y"])
	assert.NotContains(t, ranks, "ghost")
}

func TestGDFO_DisconnectedRoots(t *testing.T) {
	g := graph.New()
	g.Add("R1")
	g.Add("R2")
	g.Add("M", "R1", "R2")

	ranks, err := g.GDFO()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"R1": 1, "R2": 1, "M": 2}, ranks)
}

func TestGDFO_DeepHistory(t *testing.T) {
	g := graph.New()
	tip := graphtest.Chain(g, "r", 200000, "")

	ranks, err := g.GDFO()
	require.NoError(t, err)
	assert.Equal(t, int64(200000), ranks[tip])
}

func TestComputeGDFO_Cycle(t *testing.T) {
	parents := map[string][]string{"X": {"Y"}, "Y": {"Z"}, "Z": {"X"}}
	_, err := graph.ComputeGDFO([]string{"X"}, func(id string) []string { return parents[id] }, nil)
	assert.ErrorIs(t, err, graph.ErrCycle)
}

func TestComputeGDFO_UsesKnownRanks(t *testing.T) {
	parents := map[string][]string{"new": {"old", "older"}}
	known := map[string]int64{"old": 7, "older": 3}

	ranks, err := graph.ComputeGDFO([]string{"new"}, func(id string) []string { return parents[id] }, known)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"new": 8}, ranks)
}

func TestAncestry(t *testing.T) {
	g := graphtest.Reference()
	g.Add("P", "O", "lost")
	g.Add("Q", "lost")

	sub, ghosts := g.Ancestry("I")
	assert.Equal(t, 9, sub.Len())
	for _, id := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"} {
		assert.True(t, sub.Has(id), id)
	}
	assert.False(t, sub.Has("J"))
	assert.Empty(t, ghosts)

	_, ghosts = g.Ancestry("P")
	assert.Equal(t, []string{"lost"}, ghosts)

	empty, ghosts := g.Ancestry("nope")
	assert.Zero(t, empty.Len())
	assert.Nil(t, ghosts)
}

func TestGraph_AddKeepsFirstParents(t *testing.T) {
	g := graph.New()
	g.Add("X", "A", "B")
	g.Add("X", "C")

	ps, ok := g.Parents("X")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B"}, ps)
	assert.Equal(t, []string{"X"}, g.IDs())
}

func TestHeightHeap_PopsHighestFirst(t *testing.T) {
	var q graph.HeightHeap[string]
	for id, gdfo := range graphtest.ReferenceGDFO {
		q.Push(id, gdfo)
	}
	require.Equal(t, 15, q.Len())
	assert.Equal(t, int64(8), q.MaxHeight())

	last := int64(1 << 62)
	for !q.Empty() {
		r := q.Pop()
		assert.LessOrEqual(t, r.GDFO, last)
		last = r.GDFO
	}
}

type countingProvider struct {
	graph.Provider
	asked []string
}

func (c *countingProvider) GetParents(ctx context.Context, ids []string) (map[string][]string, error) {
	c.asked = append(c.asked, ids...)
	return c.Provider.GetParents(ctx, ids)
}

func TestCachingProvider(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{Provider: graph.NewMemoryProvider(graphtest.Reference(), false)}
	p, err := graph.NewCachingProvider(inner, 64)
	require.NoError(t, err)

	got, err := p.GetParents(ctx, []string{"O", "N", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []string{"N", "M"}, got["O"])
	assert.NotContains(t, got, "ghost")

	_, err = p.GetParents(ctx, []string{"O", "N", "ghost", "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"O", "N", "ghost", "ghost", "A"}, inner.asked)

	anc, err := p.KnownAncestry(ctx, "O", nil)
	require.NoError(t, err)
	assert.Nil(t, anc)
}

func TestMemoryProvider_Bulk(t *testing.T) {
	ctx := context.Background()
	p := graph.NewMemoryProvider(graphtest.Reference(), true)

	anc, err := p.KnownAncestry(ctx, "G", nil)
	require.NoError(t, err)
	require.NotNil(t, anc)
	assert.Equal(t, 7, anc.Len())
	assert.Zero(t, p.Calls())
}

func BenchmarkMergeSort_Chain(b *testing.B) {
	g := graph.New()
	tip := graphtest.Chain(g, "r", 10000, "")
	for i := 0; i < b.N; i++ {
		if _, err := g.MergeSort(tip); err != nil {
			b.Fatal(err)
		}
	}
}
