package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "whatever")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))

	for _, table := range []string{"revision", "parent", "ghost", "dotted_revno", "mainline_parent_range", "mainline_parent"} {
		n, err := s.Reader().CountRows(context.Background(), table)
		require.NoError(t, err, table)
		assert.Zero(t, n, table)
	}
	_, err := s.Reader().CountRows(context.Background(), "sqlite_master; DROP TABLE revision")
	assert.Error(t, err)
}

func TestRevisions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := s.Reader()

	ids, err := a.EnsureRevisions(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	again, err := a.EnsureRevisions(ctx, []string{"c", "b", "a", "d"})
	require.NoError(t, err)
	for k, v := range ids {
		assert.Equal(t, v, again[k], k)
	}
	assert.NotZero(t, again["d"])

	n, err := a.CountRows(ctx, "revision")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = a.RevisionID(ctx, "zzz")
	assert.ErrorIs(t, err, ErrUnknownRevision)

	require.NoError(t, a.SetGDFO(ctx, map[int64]int64{ids["a"]: 1, ids["b"]: 2}))
	known, err := a.KnownGDFO(ctx, []string{"a", "b", "c", "zzz"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, known)

	ranks, err := a.GDFOs(ctx, []int64{ids["a"], ids["c"]})
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{ids["a"]: 1}, ranks)

	names, err := a.NaturalIDs(ctx, []int64{ids["b"], 9999})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{ids["b"]: "b"}, names)
}

func TestRevisions_ManyBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := make([]string, 2*MaxBatch+17)
	for i := range ids {
		ids[i] = fmt.Sprintf("rev-%05d", i)
	}
	got, err := s.Reader().EnsureRevisions(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, got, len(ids))

	back, err := s.Reader().RevisionIDs(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, got, back)
}

func TestParentsAndGhosts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := s.Reader()

	ids, err := a.EnsureRevisions(ctx, []string{"root", "child", "ghost"})
	require.NoError(t, err)
	edges := []ParentRow{
		{Child: ids["child"], Parent: ids["root"], ParentIdx: 0},
		{Child: ids["child"], Parent: ids["ghost"], ParentIdx: 1},
	}
	require.NoError(t, a.InsertParents(ctx, edges))
	require.NoError(t, a.InsertParents(ctx, edges))
	require.NoError(t, a.InsertGhosts(ctx, []int64{ids["ghost"], ids["ghost"]}))
	require.NoError(t, a.InsertGhosts(ctx, []int64{ids["ghost"]}))

	rows, err := a.ParentRows(ctx, []int64{ids["child"], ids["root"]})
	require.NoError(t, err)
	assert.Equal(t, []ParentRow{
		{Child: ids["child"], Parent: ids["root"], ParentIdx: 0},
		{Child: ids["child"], Parent: ids["ghost"], ParentIdx: 1, Ghost: true},
	}, rows)

	n, err := a.CountRows(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDottedRevnos(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := s.Reader()

	ids, err := a.EnsureRevisions(ctx, []string{"A", "B", "C"})
	require.NoError(t, err)
	rows := []DottedRow{
		{Tip: ids["C"], Merged: ids["C"], Revno: "2", Dist: 0},
		{Tip: ids["C"], Merged: ids["B"], Revno: "1.1.1", EndOfMerge: true, MergeDepth: 1, Dist: 1},
		{Tip: ids["A"], Merged: ids["A"], Revno: "1", EndOfMerge: true, Dist: 0},
	}
	require.NoError(t, a.InsertDotted(ctx, rows))
	require.NoError(t, a.InsertDotted(ctx, rows[:1]))

	n, err := a.CountRows(ctx, "dotted_revno")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tips, err := a.ImportedTips(ctx, []int64{ids["A"], ids["B"], ids["C"]})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{ids["A"]: true, ids["C"]: true}, tips)

	forC, err := a.DottedForTip(ctx, ids["C"])
	require.NoError(t, err)
	assert.Equal(t, rows[:2], forC)

	hit, err := a.DottedFor(ctx, []int64{ids["A"], ids["C"]}, []int64{ids["B"]})
	require.NoError(t, err)
	assert.Equal(t, rows[1:2], hit)

	all, err := a.DottedForTips(ctx, []int64{ids["C"], ids["A"]})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := s.Reader()

	ids, err := a.EnsureRevisions(ctx, []string{"r3", "r2", "r1", "r0"})
	require.NoError(t, err)
	members := []int64{ids["r3"], ids["r2"], ids["r1"]}

	none, err := a.RangeByHead(ctx, ids["r3"])
	require.NoError(t, err)
	assert.Nil(t, none)

	key, err := a.InsertRange(ctx, members)
	require.NoError(t, err)
	again, err := a.InsertRange(ctx, members)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	r, err := a.RangeByHead(ctx, ids["r3"])
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, Range{ID: key, Head: ids["r3"], Tail: ids["r1"], Count: 3}, *r)

	got, err := a.RangeMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, members, got)

	_, err = a.InsertRange(ctx, nil)
	assert.Error(t, err)
}

func TestWithTx_RollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(a *Access) error {
		if _, err := a.EnsureRevisions(ctx, []string{"x", "y"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.Reader().CountRows(ctx, "revision")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.WithTx(ctx, func(a *Access) error {
		_, err := a.EnsureRevisions(ctx, []string{"x"})
		return err
	}))
	n, err = s.Reader().CountRows(ctx, "revision")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
