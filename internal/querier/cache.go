package querier

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/breezy-team/loggerhead-sub000/api"
	"github.com/breezy-team/loggerhead-sub000/internal/mainline"
)

// History is the merge-sorted view of a branch at one tip.
type History struct {
	Tip string
	// Revisions are newest first, the order a branch log shows them.
	Revisions []api.MergedRevision

	index map[string]int
}

// Revno returns the dotted revno of id, or nil.
func (h *History) Revno(id string) api.Revno {
	if i, ok := h.index[id]; ok {
		return h.Revisions[i].Revno
	}
	return nil
}

// RevnoMap returns every revision's dotted revno.
func (h *History) RevnoMap() map[string]api.Revno {
	out := make(map[string]api.Revno, len(h.Revisions))
	for _, r := range h.Revisions {
		out[r.ID] = r.Revno
	}
	return out
}

// Until cuts revs, newest first, after the revision numbered stop. revs is
// returned whole when no revision carries stop.
func Until(revs []api.MergedRevision, stop api.Revno) []api.MergedRevision {
	for i, r := range revs {
		if r.Revno.Equal(stop) {
			return revs[:i+1]
		}
	}
	return revs
}

// Mainline returns the revisions merged by no other, in history order.
func (h *History) Mainline() []api.MergedRevision {
	var out []api.MergedRevision
	for _, r := range h.Revisions {
		if r.Revno.IsMainline() {
			out = append(out, r)
		}
	}
	return out
}

// TipCache memoizes branch histories. Entries are keyed by branch and only
// reused while the branch still points at the tip they were built for.
type TipCache struct {
	entries *lru.Cache[string, *History]
	group   singleflight.Group
}

// NewTipCache keeps at most size branches.
func NewTipCache(size int) (*TipCache, error) {
	c, err := lru.New[string, *History](size)
	if err != nil {
		return nil, err
	}
	return &TipCache{entries: c}, nil
}

func (c *TipCache) get(branch, tip string) (*History, bool) {
	h, ok := c.entries.Get(branch)
	if !ok || h.Tip != tip {
		return nil, false
	}
	return h, true
}

// Len reports how many branches are cached.
func (c *TipCache) Len() int { return c.entries.Len() }

func (q *Querier) cacheKey() string {
	return q.store.Key() + "\x00" + q.branch
}

// History returns the whole numbered history of the tip. Concurrent
// callers for the same branch and tip share one load, which runs to
// completion even when the caller that started it gives up.
func (q *Querier) History(ctx context.Context) (*History, error) {
	if q.cache == nil {
		return q.loadHistory(ctx)
	}
	key := q.cacheKey()
	if h, ok := q.cache.get(key, q.tip); ok {
		return h, nil
	}
	loadCtx := context.WithoutCancel(ctx)
	ch := q.cache.group.DoChan(key+"\x00"+q.tip, func() (any, error) {
		h, err := q.loadHistory(loadCtx)
		if err != nil {
			return nil, err
		}
		q.cache.entries.Add(key, h)
		return h, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*History), nil
	}
}

// GetRevnoMap returns the dotted revno of every revision in the branch.
func (q *Querier) GetRevnoMap(ctx context.Context) (map[string]api.Revno, error) {
	h, err := q.History(ctx)
	if err != nil {
		return nil, err
	}
	return h.RevnoMap(), nil
}

func (q *Querier) loadHistory(ctx context.Context) (*History, error) {
	h := &History{Tip: q.tip, index: make(map[string]int)}
	tip, ok, err := q.tipID(ctx)
	if err != nil || !ok {
		return h, err
	}
	a := q.store.Reader()
	chain, err := mainline.Chain(ctx, a, tip)
	if err != nil {
		return nil, err
	}
	rows, err := a.DottedForTips(ctx, chain)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Merged)
	}
	names, err := a.NaturalIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byTip := make(map[int64][]int, len(chain))
	for i, r := range rows {
		byTip[r.Tip] = append(byTip[r.Tip], i)
	}
	h.Revisions = make([]api.MergedRevision, 0, len(rows))
	for _, m := range chain {
		for _, i := range byTip[m] {
			r := rows[i]
			revno, err := api.ParseRevno(r.Revno)
			if err != nil {
				return nil, err
			}
			h.index[names[r.Merged]] = len(h.Revisions)
			h.Revisions = append(h.Revisions, api.MergedRevision{
				ID:         names[r.Merged],
				Revno:      revno,
				MergeDepth: r.MergeDepth,
				EndOfMerge: r.EndOfMerge,
				MergedBy:   names[m],
			})
		}
	}
	return h, nil
}
