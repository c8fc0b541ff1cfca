package mainline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/graph/graphtest"
	"github.com/breezy-team/loggerhead-sub000/internal/ingest"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

type fixture struct {
	s   *store.Store
	g   *graph.Graph
	ids map[string]int64
}

func newFixture(t *testing.T, g *graph.Graph) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{s: s, g: g, ids: make(map[string]int64)}
}

func (f *fixture) importTip(t *testing.T, tip string) int64 {
	t.Helper()
	ctx := context.Background()
	im := ingest.NewImporter(f.s, graph.NewMemoryProvider(f.g, true), ingest.DefaultOptions())
	_, err := im.Import(ctx, tip)
	require.NoError(t, err)
	ids, err := f.s.Reader().RevisionIDs(ctx, f.g.IDs())
	require.NoError(t, err)
	for k, v := range ids {
		f.ids[k] = v
	}
	return f.ids[tip]
}

func (f *fixture) names(ids []int64) []string {
	rev := make(map[int64]string, len(f.ids))
	for k, v := range f.ids {
		rev[v] = k
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = rev[id]
	}
	return out
}

func chainNames(from, to int) []string {
	var out []string
	for i := from; i >= to; i-- {
		out = append(out, fmt.Sprintf("r%d", i))
	}
	return out
}

func rangeCounts(t *testing.T, s *store.Store) []int {
	t.Helper()
	ranges, err := s.Reader().Ranges(context.Background())
	require.NoError(t, err)
	out := make([]int, len(ranges))
	for i, r := range ranges {
		out[i] = r.Count
	}
	return out
}

// concatenated follows ranges from tip, dropping the revision adjacent
// ranges share.
func concatenated(t *testing.T, f *fixture, tip int64) []string {
	t.Helper()
	ctx := context.Background()
	a := f.s.Reader()
	var out []int64
	for cur := tip; ; {
		r, err := a.RangeByHead(ctx, cur)
		require.NoError(t, err)
		if r == nil {
			break
		}
		members, err := a.RangeMembers(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, members, r.Count)
		require.Equal(t, r.Head, members[0])
		require.Equal(t, r.Tail, members[len(members)-1])
		if len(out) > 0 {
			out = out[:len(out)-1]
		}
		out = append(out, members...)
		if r.Count == 1 || r.Tail == cur {
			break
		}
		cur = r.Tail
	}
	return f.names(out)
}

func TestBuild_LongChain(t *testing.T) {
	g := graph.New()
	graphtest.Chain(g, "r", 250, "")
	f := newFixture(t, g)
	tip := f.importTip(t, "r249")

	created, err := Build(context.Background(), f.s, tip)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
	assert.Equal(t, []int{75, 75, 75, 28}, rangeCounts(t, f.s))
	assert.Equal(t, chainNames(249, 0), concatenated(t, f, tip))

	created, err = Build(context.Background(), f.s, tip)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestBuild_ExtendStopsAtExistingHead(t *testing.T) {
	g := graph.New()
	graphtest.Chain(g, "r", 250, "")
	f := newFixture(t, g)
	ctx := context.Background()
	old := f.importTip(t, "r249")
	_, err := Build(ctx, f.s, old)
	require.NoError(t, err)

	graphtest.Chain(g, "s", 30, "r249")
	tip := f.importTip(t, "s29")
	created, err := Build(ctx, f.s, tip)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, []int{75, 75, 75, 28, 31}, rangeCounts(t, f.s))

	want := append(chainNames(29, 0), chainNames(249, 0)...)
	for i := 0; i < 30; i++ {
		want[i] = "s" + want[i][1:]
	}
	assert.Equal(t, want, concatenated(t, f, tip))
}

func TestBuild_SingleRoot(t *testing.T) {
	g := graph.New()
	g.Add("root")
	f := newFixture(t, g)
	tip := f.importTip(t, "root")

	created, err := Build(context.Background(), f.s, tip)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, []int{1}, rangeCounts(t, f.s))

	chain, err := Chain(context.Background(), f.s.Reader(), tip)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, f.names(chain))
}

func TestWalker_UsesRanges(t *testing.T) {
	g := graph.New()
	graphtest.Chain(g, "r", 250, "")
	f := newFixture(t, g)
	ctx := context.Background()
	tip := f.importTip(t, "r249")

	steps := func() int {
		w := NewWalker(f.s.Reader(), tip)
		n := 0
		var all []int64
		for {
			batch, err := w.Next(ctx)
			require.NoError(t, err)
			if batch == nil {
				break
			}
			all = append(all, batch...)
			n++
		}
		assert.Equal(t, chainNames(249, 0), f.names(all))
		return n
	}

	assert.Equal(t, 250, steps())
	_, err := Build(ctx, f.s, tip)
	require.NoError(t, err)
	assert.Equal(t, 5, steps())
}

func TestWalker_ReferenceMainline(t *testing.T) {
	f := newFixture(t, graphtest.Reference())
	ctx := context.Background()
	tip := f.importTip(t, "O")
	_, err := Build(ctx, f.s, tip)
	require.NoError(t, err)

	chain, err := Chain(ctx, f.s.Reader(), tip)
	require.NoError(t, err)
	assert.Equal(t, []string{"O", "N", "I", "G", "D", "A"}, f.names(chain))
}

func TestNthAncestor(t *testing.T) {
	g := graph.New()
	graphtest.Chain(g, "r", 250, "")
	f := newFixture(t, g)
	ctx := context.Background()
	tip := f.importTip(t, "r249")
	_, err := Build(ctx, f.s, tip)
	require.NoError(t, err)

	for _, n := range []int{0, 1, 73, 74, 75, 100, 222, 249} {
		got, ok, err := NthAncestor(ctx, f.s.Reader(), tip, n)
		require.NoError(t, err)
		require.True(t, ok, n)
		assert.Equal(t, []string{fmt.Sprintf("r%d", 249-n)}, f.names([]int64{got}), n)
	}

	_, ok, err := NthAncestor(ctx, f.s.Reader(), tip, 250)
	require.NoError(t, err)
	assert.False(t, ok)
}
