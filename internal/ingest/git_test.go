package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breezy-team/loggerhead-sub000/internal/graph/graphtest"
)

// fakeHash names a commit that is never written, standing in for history
// missing from a shallow clone.
func fakeHash(name string) plumbing.Hash {
	sum := sha1.Sum([]byte("missing " + name))
	return plumbing.NewHash(hex.EncodeToString(sum[:]))
}

// writeCommits stores one commit per name, parents first. Parents not in
// order become missing commits.
func writeCommits(t *testing.T, repo *git.Repository, parents map[string][]string, order []string) map[string]string {
	t.Helper()
	st := repo.Storer

	obj := st.NewEncodedObject()
	require.NoError(t, (&object.Tree{}).Encode(obj))
	treeHash, err := st.SetEncodedObject(obj)
	require.NoError(t, err)

	hashes := make(map[string]string, len(order))
	for i, name := range order {
		sig := object.Signature{Name: "Tester", Email: "test@example.com", When: time.Unix(int64(1700000000+i), 0)}
		c := &object.Commit{Author: sig, Committer: sig, Message: name, TreeHash: treeHash}
		for _, p := range parents[name] {
			if h, ok := hashes[p]; ok {
				c.ParentHashes = append(c.ParentHashes, plumbing.NewHash(h))
			} else {
				c.ParentHashes = append(c.ParentHashes, fakeHash(p))
			}
		}
		obj := st.NewEncodedObject()
		require.NoError(t, c.Encode(obj))
		h, err := st.SetEncodedObject(obj)
		require.NoError(t, err)
		hashes[name] = h.String()
	}
	return hashes
}

func setBranch(t *testing.T, repo *git.Repository, name, hash string) {
	t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(hash))
	require.NoError(t, repo.Storer.SetReference(ref))
}

func memoryRepo(t *testing.T) *git.Repository {
	t.Helper()
	repo, err := git.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	return repo
}

func TestGitProvider_GetParents(t *testing.T) {
	repo := memoryRepo(t)
	hashes := writeCommits(t, repo, graphtest.ReferenceParents, graphtest.Order)
	p := NewGitProvider(repo, false)

	got, err := p.GetParents(context.Background(), []string{hashes["O"], hashes["A"], fakeHash("x").String(), "not-a-hash"})
	require.NoError(t, err)
	assert.Equal(t, []string{hashes["N"], hashes["M"]}, got[hashes["O"]])
	assert.Empty(t, got[hashes["A"]])
	assert.Contains(t, got, hashes["A"])
	assert.Len(t, got, 2)

	anc, err := p.KnownAncestry(context.Background(), hashes["O"], nil)
	require.NoError(t, err)
	assert.Nil(t, anc)
}

func TestGitProvider_KnownAncestry(t *testing.T) {
	repo := memoryRepo(t)
	hashes := writeCommits(t, repo, map[string][]string{
		"A": {}, "B": {"A", "gone"}, "C": {"B"},
	}, []string{"A", "B", "C"})
	p := NewGitProvider(repo, true)

	g, err := p.KnownAncestry(context.Background(), hashes["C"], nil)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 3, g.Len())
	assert.False(t, g.Has(fakeHash("gone").String()))
}

func TestGitProvider_KnownAncestryStopsAtKnownCommits(t *testing.T) {
	parents := map[string][]string{"C0": {}, "T": {"C9"}}
	order := []string{"C0"}
	for i := 1; i < 10; i++ {
		name := fmt.Sprintf("C%d", i)
		parents[name] = []string{fmt.Sprintf("C%d", i-1)}
		order = append(order, name)
	}
	order = append(order, "T")
	repo := memoryRepo(t)
	hashes := writeCommits(t, repo, parents, order)
	p := NewGitProvider(repo, true)
	p.window = 2
	ctx := context.Background()

	stored := make(map[string]bool)
	for i := 0; i < 8; i++ {
		stored[hashes[fmt.Sprintf("C%d", i)]] = true
	}
	asked := 0
	known := func(ids []string) (map[string]bool, error) {
		asked++
		out := make(map[string]bool)
		for _, id := range ids {
			if stored[id] {
				out[id] = true
			}
		}
		return out, nil
	}

	g, err := p.KnownAncestry(ctx, hashes["T"], known)
	require.NoError(t, err)
	assert.Equal(t, 4, g.Len(), "T, C9, C8 and C7, read before its check")
	assert.False(t, g.Has(hashes["C6"]))
	assert.False(t, g.Has(hashes["C0"]))
	assert.Equal(t, 2, asked)

	whole, err := p.KnownAncestry(ctx, hashes["T"], nil)
	require.NoError(t, err)
	assert.Equal(t, 11, whole.Len())

	s := openStore(t)
	importTips(t, s, p, hashes["C7"], hashes["T"])
	got := revnos(dump(t, s, hashes["T"]))
	assert.Len(t, got, 11)
	assert.Equal(t, "11", got[hashes["T"]])
	assert.Equal(t, "1", got[hashes["C0"]])
}

func TestGitProvider_ResolveBranch(t *testing.T) {
	repo := memoryRepo(t)
	p := NewGitProvider(repo, false)

	tip, err := p.ResolveBranch("")
	require.NoError(t, err)
	assert.Empty(t, tip, "unborn HEAD is an empty branch")

	hashes := writeCommits(t, repo, graphtest.ReferenceParents, graphtest.Order)
	setBranch(t, repo, "master", hashes["O"])
	setBranch(t, repo, "feature", hashes["M"])

	tip, err = p.ResolveBranch("HEAD")
	require.NoError(t, err)
	assert.Equal(t, hashes["O"], tip)

	tip, err = p.ResolveBranch("feature")
	require.NoError(t, err)
	assert.Equal(t, hashes["M"], tip)

	_, err = p.ResolveBranch("nope")
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)

	branches, err := p.Branches()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"master", "feature"}, branches)
}

func TestOpenGitProvider_OnDisk(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	hashes := writeCommits(t, repo, graphtest.ReferenceParents, graphtest.Order)
	setBranch(t, repo, "master", hashes["O"])

	p, err := OpenGitProvider(dir, false)
	require.NoError(t, err)
	tip, err := p.ResolveBranch("master")
	require.NoError(t, err)
	require.Equal(t, hashes["O"], tip)

	s := openStore(t)
	importTips(t, s, p, tip)
	got := dump(t, s, tip)
	for name, want := range graphtest.ReferenceRevnos {
		assert.Equal(t, want, got[hashes[name]].Revno, name)
	}
}

func TestGitProvider_ShallowHistoryBecomesGhosts(t *testing.T) {
	repo := memoryRepo(t)
	hashes := writeCommits(t, repo, map[string][]string{
		"B": {"A"}, "C": {"B", "side"}, "D": {"C"},
	}, []string{"B", "C", "D"})

	s := openStore(t)
	res := importTips(t, s, NewGitProvider(repo, false), hashes["D"])[0]
	assert.Equal(t, 3, res.Revisions)
	assert.Equal(t, 2, res.Ghosts)

	got := dump(t, s, hashes["D"])
	assert.Equal(t, "1", got[hashes["B"]].Revno)
	assert.Equal(t, "3", got[hashes["D"]].Revno)
}
