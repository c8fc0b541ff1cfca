package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// GitProvider reads commit ancestry from a git repository. Revision ids are
// full hex commit hashes; a parent whose commit object is missing (shallow
// clones, pruned history) is reported as a ghost.
//
// Object reads are serialized; go-git storages are not safe for concurrent
// use.
type GitProvider struct {
	mu   sync.Mutex
	repo *git.Repository
	bulk bool
	// window is how many discovered commits a bulk walk collects before
	// asking which of them are already known.
	window int
}

// OpenGitProvider opens the repository at path, either a work tree with a
// .git directory or a bare repository.
func OpenGitProvider(path string, bulk bool) (*GitProvider, error) {
	wt := osfs.New(path)
	dot, err := wt.Chroot(git.GitDirName)
	if err != nil {
		return nil, fmt.Errorf("open git %s: %w", path, err)
	}
	if _, err := wt.Stat(git.GitDirName); err != nil {
		// bare
		dot, wt = wt, nil
	}
	st := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	repo, err := git.Open(st, wt)
	if err != nil {
		return nil, fmt.Errorf("open git %s: %w", path, err)
	}
	return NewGitProvider(repo, bulk), nil
}

// NewGitProvider wraps an open repository. With bulk set, KnownAncestry
// reads the new history of a tip in one go, stopping at known commits.
func NewGitProvider(repo *git.Repository, bulk bool) *GitProvider {
	return &GitProvider{repo: repo, bulk: bulk, window: store.MaxBatch}
}

func (p *GitProvider) parents(id string) ([]string, bool, error) {
	if !plumbing.IsHash(id) {
		return nil, false, nil
	}
	p.mu.Lock()
	c, err := p.repo.CommitObject(plumbing.NewHash(id))
	p.mu.Unlock()
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("commit %s: %w", id, err)
	}
	ps := make([]string, len(c.ParentHashes))
	for i, h := range c.ParentHashes {
		ps[i] = h.String()
	}
	return ps, true, nil
}

func (p *GitProvider) GetParents(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ps, ok, err := p.parents(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = ps
		}
	}
	return out, nil
}

// KnownAncestry walks breadth first from tip. Discovered commits are
// checked against known a window at a time and the walk does not expand
// the ones reported, so it reads at most about one window of commits past
// each point where it meets stored history.
func (p *GitProvider) KnownAncestry(ctx context.Context, tip string, known graph.KnownFunc) (*graph.Graph, error) {
	if !p.bulk {
		return nil, nil
	}
	g := graph.New()
	seen := map[string]bool{tip: true}
	skip := make(map[string]bool)
	var unchecked []string
	queue := []string{tip}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(unchecked) >= max(p.window, 1) {
			have, err := known(unchecked)
			if err != nil {
				return nil, fmt.Errorf("known commits: %w", err)
			}
			for id := range have {
				skip[id] = true
			}
			unchecked = unchecked[:0]
		}
		id := queue[0]
		queue = queue[1:]
		if skip[id] {
			continue
		}
		ps, ok, err := p.parents(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		g.Add(id, ps...)
		for _, pid := range ps {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			queue = append(queue, pid)
			if known != nil {
				unchecked = append(unchecked, pid)
			}
		}
	}
	return g, nil
}

// ResolveBranch returns the tip commit of a branch. An empty name or "HEAD"
// follows HEAD; an unborn HEAD is an empty branch and resolves to "".
func (p *GitProvider) ResolveBranch(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" || name == "HEAD" {
		ref, err := p.repo.Head()
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve HEAD: %w", err)
		}
		return ref.Hash().String(), nil
	}
	ref, err := p.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("resolve branch %q: %w", name, err)
	}
	return ref.Hash().String(), nil
}

// Branches lists local branch names.
func (p *GitProvider) Branches() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	iter, err := p.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	return names, nil
}
