package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// AncestryStats counts what UpdateAncestry added.
type AncestryStats struct {
	Revisions int
	Ghosts    int
	Edges     int

	// fresh holds the ordered parent rows of every revision added, keyed
	// by surrogate id, so numbering need not read them back.
	fresh map[int64][]store.ParentRow
}

// EnsureRevisions guarantees a revision row for every id, creating the
// missing ones, and returns all their surrogate ids.
func EnsureRevisions(ctx context.Context, a *store.Access, ids []string) (map[string]int64, error) {
	seen := make(map[string]bool, len(ids))
	uniq := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	return a.EnsureRevisions(ctx, uniq)
}

// UpdateAncestry stores every revision reachable from tip that the store
// does not know yet, with its ordered parent edges and GDFO. Parents the
// provider cannot resolve become ghosts. Discovery stops at revisions that
// already carry a GDFO; their ancestry is complete.
func UpdateAncestry(ctx context.Context, a *store.Access, p graph.Provider, tip string, batchSize int) (AncestryStats, error) {
	var stats AncestryStats
	if batchSize <= 0 {
		batchSize = store.MaxBatch
	}
	ctx, span := tracer.Start(ctx, "ingest.UpdateAncestry", trace.WithAttributes(attribute.String("tip", tip)))
	defer span.End()

	stored, err := a.KnownGDFO(ctx, []string{tip})
	if err != nil {
		return stats, err
	}
	if g, ok := stored[tip]; ok {
		// Only ghosts rank 0; a ghost tip has no history to number.
		if g == 0 {
			return stats, fmt.Errorf("%w: %s is a ghost", store.ErrUnknownRevision, tip)
		}
		return stats, nil
	}

	bulk, err := p.KnownAncestry(ctx, tip, func(ids []string) (map[string]bool, error) {
		have, err := a.KnownGDFO(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make(map[string]bool, len(have))
		for id := range have {
			out[id] = true
		}
		return out, nil
	})
	if err != nil {
		return stats, fmt.Errorf("known ancestry of %s: %w", tip, err)
	}
	fetch := func(ids []string) (map[string][]string, error) {
		if bulk != nil {
			return bulk.Lookup(ids), nil
		}
		return p.GetParents(ctx, ids)
	}

	parents := make(map[string][]string)
	var order []string
	known := make(map[string]int64)
	var ghosts []string
	seen := map[string]bool{tip: true}
	frontier := []string{tip}

	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n := min(batchSize, len(frontier))
		batch := frontier[:n]
		frontier = frontier[n:]

		have, err := a.KnownGDFO(ctx, batch)
		if err != nil {
			return stats, err
		}
		var ask []string
		for _, id := range batch {
			if g, ok := have[id]; ok {
				known[id] = g
			} else {
				ask = append(ask, id)
			}
		}
		if len(ask) == 0 {
			continue
		}
		got, err := fetch(ask)
		if err != nil {
			return stats, fmt.Errorf("get parents: %w", err)
		}
		for _, id := range ask {
			ps, ok := got[id]
			if !ok {
				if id == tip {
					return stats, fmt.Errorf("%w: %s", store.ErrUnknownRevision, tip)
				}
				known[id] = 0
				ghosts = append(ghosts, id)
				continue
			}
			parents[id] = ps
			order = append(order, id)
			for _, pid := range ps {
				if !seen[pid] {
					seen[pid] = true
					frontier = append(frontier, pid)
				}
			}
		}
		logrus.WithFields(logrus.Fields{
			"tip":      tip,
			"batch":    len(batch),
			"new":      len(order),
			"frontier": len(frontier),
		}).Debug("ancestry batch")
	}

	ranks, err := graph.ComputeGDFO(order, func(id string) []string { return parents[id] }, known)
	if err != nil {
		return stats, err
	}

	all := make([]string, 0, len(order)+len(known))
	all = append(all, order...)
	for id := range known {
		all = append(all, id)
	}
	ids, err := EnsureRevisions(ctx, a, all)
	if err != nil {
		return stats, err
	}

	gdfo := make(map[int64]int64, len(order)+len(ghosts))
	for _, id := range order {
		gdfo[ids[id]] = ranks[id]
	}
	ghostIDs := make([]int64, len(ghosts))
	for i, id := range ghosts {
		ghostIDs[i] = ids[id]
		gdfo[ids[id]] = 0
	}
	if err := a.SetGDFO(ctx, gdfo); err != nil {
		return stats, err
	}
	if err := a.InsertGhosts(ctx, ghostIDs); err != nil {
		return stats, err
	}

	var edges []store.ParentRow
	fresh := make(map[int64][]store.ParentRow, len(order))
	for _, id := range order {
		rows := make([]store.ParentRow, 0, len(parents[id]))
		for i, pid := range parents[id] {
			_, added := parents[pid]
			row := store.ParentRow{Child: ids[id], Parent: ids[pid], ParentIdx: i, Ghost: !added && known[pid] == 0}
			rows = append(rows, row)
			edges = append(edges, row)
		}
		fresh[ids[id]] = rows
	}
	if err := a.InsertParents(ctx, edges); err != nil {
		return stats, err
	}

	stats = AncestryStats{Revisions: len(order), Ghosts: len(ghosts), Edges: len(edges), fresh: fresh}
	span.SetAttributes(
		attribute.Int("revisions", stats.Revisions),
		attribute.Int("ghosts", stats.Ghosts),
	)
	return stats, nil
}
