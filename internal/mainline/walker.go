package mainline

import (
	"context"

	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// Walker iterates a mainline backwards from a tip. Where a range starts
// at the current revision it yields the whole range at once, otherwise a
// single revision.
type Walker struct {
	a    *store.Access
	next int64
	done bool
}

// NewWalker starts at tip.
func NewWalker(a *store.Access, tip int64) *Walker {
	return &Walker{a: a, next: tip}
}

// Next returns the next revisions, newest first, or nil once the root has
// been passed.
func (w *Walker) Next(ctx context.Context) ([]int64, error) {
	if w.done {
		return nil, nil
	}
	r, err := w.a.RangeByHead(ctx, w.next)
	if err != nil {
		return nil, err
	}
	if r != nil && r.Count > 1 {
		members, err := w.a.RangeMembers(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if len(members) > 1 {
			w.next = members[len(members)-1]
			return members[:len(members)-1], nil
		}
	}

	cur := w.next
	left, ok, err := LeftParent(ctx, w.a, cur)
	if err != nil {
		return nil, err
	}
	if ok {
		w.next = left
	} else {
		w.done = true
	}
	return []int64{cur}, nil
}

// Chain returns the whole mainline of tip, newest first.
func Chain(ctx context.Context, a *store.Access, tip int64) ([]int64, error) {
	w := NewWalker(a, tip)
	var out []int64
	for {
		batch, err := w.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return out, nil
		}
		out = append(out, batch...)
	}
}

// NthAncestor returns the revision n steps back along the mainline of rev;
// n = 0 is rev itself. ok is false when the mainline is shorter.
func NthAncestor(ctx context.Context, a *store.Access, rev int64, n int) (int64, bool, error) {
	if n < 0 {
		return 0, false, nil
	}
	w := NewWalker(a, rev)
	for {
		batch, err := w.Next(ctx)
		if err != nil {
			return 0, false, err
		}
		if batch == nil {
			return 0, false, nil
		}
		if n < len(batch) {
			return batch[n], true, nil
		}
		n -= len(batch)
	}
}
