package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/breezy-team/loggerhead-sub000/api"
	"github.com/breezy-team/loggerhead-sub000/internal/graph"
	"github.com/breezy-team/loggerhead-sub000/internal/store"
)

// numbering caches the parent rows and ranks one numbering pass touches.
type numbering struct {
	ctx     context.Context
	a       *store.Access
	parents map[int64][]store.ParentRow
	gdfo    map[int64]int64
}

// newNumbering starts from the parent rows of the revisions this import
// added; the rest are read on demand.
func newNumbering(ctx context.Context, a *store.Access, fresh map[int64][]store.ParentRow) *numbering {
	parents := make(map[int64][]store.ParentRow, len(fresh))
	for id, rows := range fresh {
		parents[id] = rows
	}
	return &numbering{
		ctx:     ctx,
		a:       a,
		parents: parents,
		gdfo:    make(map[int64]int64),
	}
}

func (n *numbering) loadParents(ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := n.parents[id]; !ok {
			n.parents[id] = nil
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rows, err := n.a.ParentRows(n.ctx, missing)
	if err != nil {
		return err
	}
	for _, r := range rows {
		n.parents[r.Child] = append(n.parents[r.Child], r)
	}
	return nil
}

func (n *numbering) loadGDFO(ids []int64) error {
	var missing []int64
	for _, id := range ids {
		if _, ok := n.gdfo[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	got, err := n.a.GDFOs(n.ctx, missing)
	if err != nil {
		return err
	}
	for _, id := range missing {
		g, ok := got[id]
		if !ok {
			return fmt.Errorf("revision %d has no gdfo", id)
		}
		n.gdfo[id] = g
	}
	return nil
}

// left returns the non-ghost left-hand parent of a loaded revision.
func (n *numbering) left(id int64) (int64, bool) {
	rows := n.parents[id]
	if len(rows) == 0 || rows[0].ParentIdx != 0 || rows[0].Ghost {
		return 0, false
	}
	return rows[0].Parent, true
}

func (n *numbering) sortNode(id int64) graph.Node[int64] {
	var node graph.Node[int64]
	for _, r := range n.parents[id] {
		if r.Ghost {
			if r.ParentIdx == 0 {
				node.GhostLeft = true
			}
			continue
		}
		node.Parents = append(node.Parents, r.Parent)
	}
	return node
}

// importedMainline walks an already numbered mainline backwards, loading
// the dotted revnos each mainline revision introduced. It only ever moves
// further back.
type importedMainline struct {
	n *numbering

	next      int64
	lastGDFO  int64
	lastRevno int
	loaded    int

	revnos    map[int64]api.Revno
	assigned  map[string]bool
	branchMax map[int]int
}

func newImportedMainline(n *numbering, boundary int64) *importedMainline {
	return &importedMainline{
		n:         n,
		next:      boundary,
		revnos:    make(map[int64]api.Revno),
		assigned:  make(map[string]bool),
		branchMax: make(map[int]int),
	}
}

func (m *importedMainline) loadNext() error {
	id := m.next
	rows, err := m.n.a.DottedForTip(m.n.ctx, id)
	if err != nil {
		return err
	}
	for _, r := range rows {
		revno, err := api.ParseRevno(r.Revno)
		if err != nil {
			return fmt.Errorf("revision %d under %d: %w", r.Merged, id, err)
		}
		m.revnos[r.Merged] = revno
		m.assigned[revno.String()] = true
		if b := revno.Branch(); b > m.branchMax[revno.Base()] {
			m.branchMax[revno.Base()] = b
		}
		if r.Merged == id {
			m.lastRevno = revno.Base()
		}
	}
	if err := m.n.loadGDFO([]int64{id}); err != nil {
		return err
	}
	if err := m.n.loadParents([]int64{id}); err != nil {
		return err
	}
	m.lastGDFO = m.n.gdfo[id]
	m.next = 0
	if l, ok := m.n.left(id); ok {
		m.next = l
	}
	m.loaded++
	return nil
}

// coverGDFO loads mainline revisions until every one ranked at least gdfo
// is loaded. An old revision is numbered under one of those.
func (m *importedMainline) coverGDFO(gdfo int64) error {
	for m.next != 0 && m.lastGDFO > gdfo {
		if err := m.loadNext(); err != nil {
			return err
		}
	}
	return nil
}

// coverRevno loads mainline revisions back to revno base+1, under which all
// branches hanging off base have been numbered.
func (m *importedMainline) coverRevno(base int) error {
	for m.next != 0 && m.lastRevno > base+1 {
		if err := m.loadNext(); err != nil {
			return err
		}
	}
	return nil
}

func (m *importedMainline) coverAll() error {
	for m.next != 0 {
		if err := m.loadNext(); err != nil {
			return err
		}
	}
	return nil
}

// numberNewHistory gives dotted revnos to everything tip brings in that no
// imported mainline has numbered yet, and stores them keyed by the new
// mainline revision that merged them. It returns the rows written and the
// number of new mainline revisions. fresh holds the parent rows of the
// revisions added by this import, which cannot have been numbered yet.
func numberNewHistory(ctx context.Context, a *store.Access, tip int64, fresh map[int64][]store.ParentRow) (int, int, error) {
	ctx, span := tracer.Start(ctx, "ingest.NumberNewHistory")
	defer span.End()
	n := newNumbering(ctx, a, fresh)

	// New mainline, back to the first revision some import already numbered.
	var newMainline []int64
	inMainline := make(map[int64]bool)
	var boundary int64
	for cur := tip; ; {
		if _, added := fresh[cur]; !added {
			imported, err := a.ImportedTips(ctx, []int64{cur})
			if err != nil {
				return 0, 0, err
			}
			if imported[cur] {
				boundary = cur
				break
			}
		}
		newMainline = append(newMainline, cur)
		inMainline[cur] = true
		if err := n.loadParents([]int64{cur}); err != nil {
			return 0, 0, err
		}
		l, ok := n.left(cur)
		if !ok {
			break
		}
		cur = l
	}
	if len(newMainline) == 0 {
		return 0, 0, nil
	}

	var loaded *importedMainline
	var boundaryGDFO int64
	if boundary != 0 {
		loaded = newImportedMainline(n, boundary)
		if err := loaded.loadNext(); err != nil {
			return 0, 0, err
		}
		boundaryGDFO = loaded.lastGDFO
	}

	// Split the merged history into old and new, highest rank first.
	interesting := make(map[int64]bool)
	seen := make(map[int64]bool)
	var fringe graph.HeightHeap[int64]
	enqueue := func(ids []int64) error {
		if err := n.loadGDFO(ids); err != nil {
			return err
		}
		for _, id := range ids {
			if !seen[id] && !inMainline[id] {
				fringe.Push(id, n.gdfo[id])
			}
		}
		return nil
	}
	var tips []int64
	for _, m := range newMainline {
		for _, r := range n.parents[m] {
			if r.ParentIdx > 0 && !r.Ghost {
				tips = append(tips, r.Parent)
			}
		}
	}
	if err := enqueue(tips); err != nil {
		return 0, 0, err
	}
	for !fringe.Empty() {
		var expand []int64
		for _, r := range fringe.PopAllOfHeight() {
			if seen[r.Key] {
				continue
			}
			seen[r.Key] = true
			// Anything ranked above the boundary cannot be its ancestor.
			if loaded != nil && r.GDFO <= boundaryGDFO {
				if err := loaded.coverGDFO(r.GDFO); err != nil {
					return 0, 0, err
				}
				if _, old := loaded.revnos[r.Key]; old {
					continue
				}
			}
			interesting[r.Key] = true
			expand = append(expand, r.Key)
		}
		if err := n.loadParents(expand); err != nil {
			return 0, 0, err
		}
		var next []int64
		for _, id := range expand {
			for _, r := range n.parents[id] {
				if !r.Ghost {
					next = append(next, r.Parent)
				}
			}
		}
		if err := enqueue(next); err != nil {
			return 0, 0, err
		}
	}

	inScope := func(id int64) bool { return inMainline[id] || interesting[id] }
	scope := make([]int64, 0, len(newMainline)+len(interesting))
	scope = append(scope, newMainline...)
	for id := range interesting {
		scope = append(scope, id)
	}

	seed := &graph.Seed[int64]{
		Revnos:         make(map[int64]api.Revno),
		FirstChildUsed: make(map[int64]bool),
		BranchCount:    make(map[int]int),
	}
	needRoots := false
	var oldLefts []int64
	for _, id := range scope {
		l, ok := n.left(id)
		if !ok {
			needRoots = true
			continue
		}
		if !inScope(l) {
			oldLefts = append(oldLefts, l)
		}
	}
	if len(oldLefts) > 0 {
		if loaded == nil {
			return 0, 0, fmt.Errorf("revision %d: left-hand parent outside new history but nothing imported", oldLefts[0])
		}
		if err := n.loadGDFO(oldLefts); err != nil {
			return 0, 0, err
		}
	}
	for _, l := range oldLefts {
		if _, done := seed.Revnos[l]; done {
			continue
		}
		if err := loaded.coverGDFO(n.gdfo[l]); err != nil {
			return 0, 0, err
		}
		revno, ok := loaded.revnos[l]
		if !ok {
			return 0, 0, fmt.Errorf("revision %d has no dotted revno under %d", l, boundary)
		}
		if err := loaded.coverRevno(revno.Base()); err != nil {
			return 0, 0, err
		}
		seed.Revnos[l] = revno
		seed.FirstChildUsed[l] = loaded.assigned[revno.Next().String()]
	}
	if loaded != nil {
		if needRoots {
			if err := loaded.coverAll(); err != nil {
				return 0, 0, err
			}
		}
		for base, count := range loaded.branchMax {
			seed.BranchCount[base] = count
		}
		if _, ok := seed.BranchCount[0]; !ok {
			seed.BranchCount[0] = 0
		}
		seed.Stop = &boundary
	}

	entries, err := graph.MergeSort(tip, func(id int64) (graph.Node[int64], bool) {
		if !inScope(id) {
			return graph.Node[int64]{}, false
		}
		return n.sortNode(id), true
	}, seed)
	if err != nil {
		return 0, 0, err
	}

	rows := make([]store.DottedRow, 0, len(entries))
	var group []graph.Entry[int64]
	for _, e := range entries {
		group = append(group, e)
		if !inMainline[e.Key] {
			continue
		}
		for j, g := range group {
			rows = append(rows, store.DottedRow{
				Tip:        e.Key,
				Merged:     g.Key,
				Revno:      g.Revno.String(),
				EndOfMerge: g.EndOfMerge,
				MergeDepth: g.MergeDepth,
				Dist:       len(group) - 1 - j,
			})
		}
		group = group[:0]
	}
	if len(group) > 0 {
		return 0, 0, fmt.Errorf("%d revisions scheduled after tip %d", len(group), tip)
	}
	if err := a.InsertDotted(ctx, rows); err != nil {
		return 0, 0, err
	}

	loadedMainline := 0
	if loaded != nil {
		loadedMainline = loaded.loaded
	}
	logrus.WithFields(logrus.Fields{
		"tip":             tip,
		"mainline":        len(newMainline),
		"merged":          len(interesting),
		"loaded_mainline": loadedMainline,
	}).Debug("numbered new history")
	span.SetAttributes(
		attribute.Int("mainline", len(newMainline)),
		attribute.Int("merged", len(interesting)),
		attribute.Int("rows", len(rows)),
	)
	return len(rows), len(newMainline), nil
}
