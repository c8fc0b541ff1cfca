// Package querier answers revno and ancestry questions about one branch
// tip, importing the tip on demand.
package querier

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/sirupsen/logrus"

	"github.com/breezy-team/loggerhead-sub000/api"
	"github.com/breezy-team/loggerhead-sub000/internal/ingest"
	"github.com/breezy-team/loggerhead-sub000/internal/keylock"
	"github.com/breezy-team/loggerhead-sub000/internal/mainline"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// ErrHeadsUnsupported is returned by Heads.
var ErrHeadsUnsupported = fmt.Errorf("heads: %w", errors.ErrUnsupported)

// TipImporter brings a branch tip into the store.
type TipImporter interface {
	Import(ctx context.Context, tip string) (*ingest.Result, error)
}

// Querier serves one branch at one tip. Queries only read committed data
// and never block; EnsureBranchTip is the one call that may wait for an
// import.
type Querier struct {
	store    *store.Store
	importer TipImporter
	locks    *keylock.Manager
	cache    *TipCache
	branch   string
	tip      string
}

// New returns a querier for branch at tip. An empty tip is an empty branch.
func New(s *store.Store, im TipImporter, locks *keylock.Manager, branch, tip string) *Querier {
	if locks == nil {
		locks = keylock.NewManager()
	}
	return &Querier{store: s, importer: im, locks: locks, branch: branch, tip: tip}
}

// WithCache shares a tip cache between queriers.
func (q *Querier) WithCache(c *TipCache) *Querier {
	q.cache = c
	return q
}

func (q *Querier) Tip() string { return q.tip }

func (q *Querier) key() keylock.Key {
	return keylock.Key{Storage: q.store.Key(), Branch: q.branch}
}

// tipID returns the tip's surrogate id; ok is false when it is not stored.
func (q *Querier) tipID(ctx context.Context) (int64, bool, error) {
	if q.tip == "" {
		return 0, false, nil
	}
	ids, err := q.store.Reader().RevisionIDs(ctx, []string{q.tip})
	if err != nil {
		return 0, false, err
	}
	id, ok := ids[q.tip]
	return id, ok, nil
}

func (q *Querier) imported(ctx context.Context) (bool, error) {
	id, ok, err := q.tipID(ctx)
	if err != nil || !ok {
		return false, err
	}
	tips, err := q.store.Reader().ImportedTips(ctx, []int64{id})
	if err != nil {
		return false, err
	}
	return tips[id], nil
}

// EnsureBranchTip imports the tip unless some import already numbered it.
// Concurrent callers for the same storage and branch share one import;
// the others wait and then see its committed result.
func (q *Querier) EnsureBranchTip(ctx context.Context) error {
	if q.tip == "" {
		return nil
	}
	ok, err := q.imported(ctx)
	if err != nil || ok {
		return err
	}

	unlock := q.locks.Lock(q.key())
	defer unlock()

	ok, err = q.imported(ctx)
	if err != nil || ok {
		return err
	}
	if _, err := q.importer.Import(ctx, q.tip); err != nil {
		return err
	}
	id, _, err := q.tipID(ctx)
	if err != nil {
		return err
	}
	if _, err := mainline.Build(ctx, q.store, id); err != nil {
		return fmt.Errorf("build mainline cache: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"component": "querier",
		"branch":    q.branch,
		"tip":       q.tip,
	}).Debug("branch tip imported")
	return nil
}

// lookup walks the mainline from the tip and finds the row numbering each
// target. Targets never found are absent from the result.
func (q *Querier) lookup(ctx context.Context, ids []string) (map[string]store.DottedRow, map[int64]string, error) {
	out := make(map[string]store.DottedRow)
	tip, ok, err := q.tipID(ctx)
	if err != nil || !ok || len(ids) == 0 {
		return out, nil, err
	}
	a := q.store.Reader()

	known, err := a.RevisionIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	names := make(map[int64]string, len(known))
	remaining := make(map[int64]bool, len(known))
	for name, id := range known {
		names[id] = name
		remaining[id] = true
	}
	if len(remaining) == 0 {
		return out, names, nil
	}
	targetIDs := make([]int64, 0, len(remaining))
	for id := range remaining {
		targetIDs = append(targetIDs, id)
	}
	ranks, err := a.GDFOs(ctx, targetIDs)
	if err != nil {
		return nil, nil, err
	}

	unnamed := make(map[int64]bool)
	w := mainline.NewWalker(a, tip)
	exhausted := false
	for len(remaining) > 0 && !exhausted {
		var cands []int64
		for len(cands) < store.MaxBatch {
			batch, err := w.Next(ctx)
			if err != nil {
				return nil, nil, err
			}
			if batch == nil {
				exhausted = true
				break
			}
			cands = append(cands, batch...)
		}
		if len(cands) == 0 {
			break
		}
		pending := make([]int64, 0, len(remaining))
		for id := range remaining {
			pending = append(pending, id)
		}
		rows, err := a.DottedFor(ctx, cands, pending)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			if !remaining[r.Merged] {
				continue
			}
			delete(remaining, r.Merged)
			out[names[r.Merged]] = r
			if _, ok := names[r.Tip]; !ok {
				unnamed[r.Tip] = true
			}
		}

		// A mainline revision ranked below a target cannot have merged it.
		last, err := a.GDFOs(ctx, cands[len(cands)-1:])
		if err != nil {
			return nil, nil, err
		}
		lowest := last[cands[len(cands)-1]]
		stop := true
		for id := range remaining {
			if ranks[id] <= lowest {
				stop = false
				break
			}
		}
		if stop {
			break
		}
	}

	if len(unnamed) > 0 {
		tips := make([]int64, 0, len(unnamed))
		for id := range unnamed {
			tips = append(tips, id)
		}
		tipNames, err := a.NaturalIDs(ctx, tips)
		if err != nil {
			return nil, nil, err
		}
		for id, name := range tipNames {
			names[id] = name
		}
	}
	return out, names, nil
}

// GetDottedRevno returns the dotted revno of id in this branch, or nil
// when the branch history does not contain it.
func (q *Querier) GetDottedRevno(ctx context.Context, id string) (api.Revno, error) {
	m, err := q.GetDottedRevnos(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return m[id], nil
}

// GetDottedRevnos resolves many ids in one backward walk. Ids outside the
// branch history are absent from the result.
func (q *Querier) GetDottedRevnos(ctx context.Context, ids []string) (map[string]api.Revno, error) {
	hits, _, err := q.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]api.Revno, len(hits))
	for id, row := range hits {
		r, err := api.ParseRevno(row.Revno)
		if err != nil {
			return nil, err
		}
		out[id] = r
	}
	return out, nil
}

// GetMainlineWhereMerged maps each id to the mainline revision that merged
// it into this branch. A mainline revision maps to itself.
func (q *Querier) GetMainlineWhereMerged(ctx context.Context, ids []string) (map[string]string, error) {
	hits, names, err := q.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(hits))
	for id, row := range hits {
		out[id] = names[row.Tip]
	}
	return out, nil
}

// NthMainlineAncestor returns the revision n steps back along the tip's
// mainline; 0 is the tip itself. ok is false when the mainline is shorter.
func (q *Querier) NthMainlineAncestor(ctx context.Context, n int) (string, bool, error) {
	tip, ok, err := q.tipID(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	a := q.store.Reader()
	id, ok, err := mainline.NthAncestor(ctx, a, tip, n)
	if err != nil || !ok {
		return "", false, err
	}
	names, err := a.NaturalIDs(ctx, []int64{id})
	if err != nil {
		return "", false, err
	}
	return names[id], true, nil
}

// WalkAncestryDBIDs returns the surrogate ids of the tip and all its
// non-ghost ancestors.
func (q *Querier) WalkAncestryDBIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	visited := roaring64.New()
	tip, ok, err := q.tipID(ctx)
	if err != nil || !ok {
		return visited, err
	}
	a := q.store.Reader()
	visited.Add(uint64(tip))
	frontier := []int64{tip}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := a.ParentRows(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []int64
		for _, r := range rows {
			if r.Ghost {
				continue
			}
			if visited.CheckedAdd(uint64(r.Parent)) {
				next = append(next, r.Parent)
			}
		}
		frontier = next
	}
	return visited, nil
}

// WalkAncestry returns the revision ids of the tip and its non-ghost
// ancestors.
func (q *Querier) WalkAncestry(ctx context.Context) ([]string, error) {
	ids, err := q.WalkAncestryDBIDs(ctx)
	if err != nil {
		return nil, err
	}
	dbIDs := make([]int64, 0, ids.GetCardinality())
	it := ids.Iterator()
	for it.HasNext() {
		dbIDs = append(dbIDs, int64(it.Next()))
	}
	names, err := q.store.Reader().NaturalIDs(ctx, dbIDs)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, id := range dbIDs {
		out = append(out, names[id])
	}
	return out, nil
}

// Heads would return the members of ids no other member descends from.
// It is not implemented; callers must not assume a result.
func (q *Querier) Heads(_ context.Context, _ []string) ([]string, error) {
	return nil, ErrHeadsUnsupported
}
