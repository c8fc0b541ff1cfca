package graph

import (
	"fmt"
	"slices"

	"github.com/breezy-team/loggerhead-sub000/api"
)

// Node is what MergeSort needs to know about one revision in scope.
type Node[K comparable] struct {
	// Parents are the non-ghost parents, in recorded order.
	Parents []K
	// GhostLeft is set when the recorded left-hand parent is a ghost. The
	// revision is then numbered like a root and every entry of Parents is
	// a merge.
	GhostLeft bool
}

func (n Node[K]) left() (K, bool) {
	if n.GhostLeft || len(n.Parents) == 0 {
		var zero K
		return zero, false
	}
	return n.Parents[0], true
}

// Seed carries numbering state from history outside the sort's scope.
type Seed[K comparable] struct {
	// Revnos numbers out-of-scope revisions that in-scope ones may have as
	// their left-hand parent.
	Revnos map[K]api.Revno
	// FirstChildUsed marks out-of-scope revisions whose revno has already
	// been continued by a child.
	FirstChildUsed map[K]bool
	// BranchCount is the last branch number handed out per base revno.
	// Key 0 also counts extra roots.
	BranchCount map[int]int
	// Stop is the already-numbered mainline revision the scope hangs off.
	// It acts as the depth-0 revision following the oldest entry when
	// deciding end-of-merge.
	Stop *K
}

// Entry is one scheduled revision.
type Entry[K comparable] struct {
	Key        K
	Revno      api.Revno
	MergeDepth int
	EndOfMerge bool
}

type sortFrame[K comparable] struct {
	key        K
	node       Node[K]
	depth      int
	leftPushed bool
	pending    []K
	firstChild bool
}

// MergeSort schedules the ancestry of tip the way a branch log shows it:
// left-hand history first, merged branches nested one level deeper.
//
// lookup reports the revisions in scope; a false result marks a revision
// as already numbered, and it is skipped. The result is in completion
// order, oldest first, ending with tip. A tip outside the scope yields an
// empty schedule.
func MergeSort[K comparable](tip K, lookup func(K) (Node[K], bool), seed *Seed[K]) ([]Entry[K], error) {
	if seed == nil {
		seed = &Seed[K]{}
	}
	root, ok := lookup(tip)
	if !ok {
		return nil, nil
	}

	revnos := make(map[K]api.Revno)
	used := make(map[K]bool, len(seed.FirstChildUsed))
	for k, v := range seed.FirstChildUsed {
		used[k] = v
	}
	branchCount := make(map[int]int, len(seed.BranchCount))
	for k, v := range seed.BranchCount {
		branchCount[k] = v
	}
	revnoOf := func(k K) (api.Revno, bool) {
		if r, ok := revnos[k]; ok {
			return r, true
		}
		r, ok := seed.Revnos[k]
		return r, ok
	}

	completed := make(map[K]bool)
	onStack := make(map[K]bool)
	var stack []sortFrame[K]
	var out []Entry[K]
	var parents [][]K

	push := func(k K, n Node[K], depth int) {
		f := sortFrame[K]{
			key:        k,
			node:       n,
			depth:      depth,
			leftPushed: n.GhostLeft,
			pending:    slices.Clone(n.Parents),
		}
		if l, ok := n.left(); ok {
			f.firstChild = !used[l]
			used[l] = true
		}
		onStack[k] = true
		stack = append(stack, f)
	}

	pop := func() error {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(onStack, f.key)

		var revno api.Revno
		if l, ok := f.node.left(); ok {
			pr, ok := revnoOf(l)
			if !ok {
				return fmt.Errorf("merge sort: left-hand parent %v of %v is not numbered", l, f.key)
			}
			if f.firstChild {
				revno = pr.Next()
			} else {
				base := pr.Base()
				branchCount[base]++
				revno = api.Revno{base, branchCount[base], 1}
			}
		} else {
			rootCount, ok := branchCount[0]
			if !ok {
				rootCount = -1
			}
			rootCount++
			branchCount[0] = rootCount
			if rootCount == 0 {
				revno = api.Revno{1}
			} else {
				revno = api.Revno{0, rootCount, 1}
			}
		}
		revnos[f.key] = revno
		completed[f.key] = true
		out = append(out, Entry[K]{Key: f.key, Revno: revno, MergeDepth: f.depth})
		parents = append(parents, f.node.Parents)
		return nil
	}

	push(tip, root, 0)
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.pending) == 0 {
			if err := pop(); err != nil {
				return nil, err
			}
			continue
		}

		var next K
		depth := top.depth
		if !top.leftPushed {
			next = top.pending[0]
			top.pending = top.pending[1:]
			top.leftPushed = true
		} else {
			// Merges are visited right to left so they come out left to
			// right once the schedule is read newest first.
			next = top.pending[len(top.pending)-1]
			top.pending = top.pending[:len(top.pending)-1]
			depth++
		}
		if completed[next] {
			continue
		}
		if onStack[next] {
			return nil, fmt.Errorf("%w: %v reached from itself", ErrCycle, next)
		}
		n, ok := lookup(next)
		if !ok {
			completed[next] = true
			continue
		}
		push(next, n, depth)
	}

	for i := range out {
		var nextKey K
		var nextDepth int
		hasNext := true
		switch {
		case i > 0:
			nextKey, nextDepth = out[i-1].Key, out[i-1].MergeDepth
		case seed.Stop != nil:
			nextKey, nextDepth = *seed.Stop, 0
		default:
			hasNext = false
		}
		depth := out[i].MergeDepth
		out[i].EndOfMerge = !hasNext ||
			nextDepth < depth ||
			(nextDepth == depth && !slices.Contains(parents[i], nextKey))
	}
	return out, nil
}

// Reverse returns the schedule newest first, the order a log displays.
func Reverse[K comparable](entries []Entry[K]) []Entry[K] {
	out := slices.Clone(entries)
	slices.Reverse(out)
	return out
}
