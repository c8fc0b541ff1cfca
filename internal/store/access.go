package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrUnknownRevision is returned when a revision id has no row.
var ErrUnknownRevision = errors.New("unknown revision")

// MaxBatch bounds the number of ids bound into one IN (...) clause.
const MaxBatch = 1000

// ParentRow is one ordered parent edge. Ghost is set when the parent was
// referenced but never imported.
type ParentRow struct {
	Child     int64 `db:"child"`
	Parent    int64 `db:"parent"`
	ParentIdx int   `db:"parent_idx"`
	Ghost     bool  `db:"is_ghost"`
}

// DottedRow numbers Merged relative to the mainline revision Tip that
// merged it. Dist orders the rows of one tip, 0 being the tip itself.
type DottedRow struct {
	Tip        int64  `db:"tip_revision"`
	Merged     int64  `db:"merged_revision"`
	Revno      string `db:"revno"`
	EndOfMerge bool   `db:"end_of_merge"`
	MergeDepth int    `db:"merge_depth"`
	Dist       int    `db:"dist"`
}

// Range is a run of the left-hand-parent chain, Head..Tail inclusive.
type Range struct {
	ID    int64 `db:"pkey"`
	Head  int64 `db:"head"`
	Tail  int64 `db:"tail"`
	Count int   `db:"count"`
}

// Access runs queries against either the pool or one transaction.
type Access struct {
	q sqlx.ExtContext
	d *Dialect
}

type preparer interface {
	PreparexContext(ctx context.Context, query string) (*sqlx.Stmt, error)
}

func chunks[T any](xs []T, n int) [][]T {
	var out [][]T
	for len(xs) > n {
		out = append(out, xs[:n])
		xs = xs[n:]
	}
	if len(xs) > 0 {
		out = append(out, xs)
	}
	return out
}

// selectIn expands the IN (?) placeholders of query and appends the rows
// into dest.
func (a *Access) selectIn(ctx context.Context, dest any, query string, args ...any) error {
	q, qargs, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, a.q, dest, a.q.Rebind(q), qargs...)
}

func (a *Access) execEach(ctx context.Context, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	query = a.q.Rebind(query)
	p, ok := a.q.(preparer)
	if !ok {
		for _, r := range rows {
			if _, err := a.q.ExecContext(ctx, query, r...); err != nil && !a.d.IsUniqueViolation(err) {
				return err
			}
		}
		return nil
	}
	stmt, err := p.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }() // safe to ignore

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil && !a.d.IsUniqueViolation(err) {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Revisions
// ---------------------------------------------------------------------------

type revisionRow struct {
	DBID int64         `db:"db_id"`
	ID   string        `db:"revision_id"`
	GDFO sql.NullInt64 `db:"gdfo"`
}

func (a *Access) revisionsByNatural(ctx context.Context, ids []string) ([]revisionRow, error) {
	var out []revisionRow
	for _, batch := range chunks(ids, MaxBatch) {
		var rows []revisionRow
		err := a.selectIn(ctx, &rows,
			`SELECT db_id, revision_id, gdfo FROM revision WHERE revision_id IN (?)`, batch)
		if err != nil {
			return nil, fmt.Errorf("select revisions: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// RevisionIDs maps natural ids to surrogate ids. Unknown ids are absent.
func (a *Access) RevisionIDs(ctx context.Context, ids []string) (map[string]int64, error) {
	rows, err := a.revisionsByNatural(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ID] = r.DBID
	}
	return out, nil
}

// RevisionID looks up one natural id.
func (a *Access) RevisionID(ctx context.Context, id string) (int64, error) {
	m, err := a.RevisionIDs(ctx, []string{id})
	if err != nil {
		return 0, err
	}
	dbID, ok := m[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRevision, id)
	}
	return dbID, nil
}

// KnownGDFO returns the GDFO of every id that already has one. Revisions
// with a stored GDFO have complete ancestry in the store.
func (a *Access) KnownGDFO(ctx context.Context, ids []string) (map[string]int64, error) {
	rows, err := a.revisionsByNatural(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		if r.GDFO.Valid {
			out[r.ID] = r.GDFO.Int64
		}
	}
	return out, nil
}

// NaturalIDs maps surrogate ids back to revision ids.
func (a *Access) NaturalIDs(ctx context.Context, dbIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(dbIDs))
	for _, batch := range chunks(dbIDs, MaxBatch) {
		var rows []revisionRow
		err := a.selectIn(ctx, &rows,
			`SELECT db_id, revision_id, gdfo FROM revision WHERE db_id IN (?)`, batch)
		if err != nil {
			return nil, fmt.Errorf("select revision ids: %w", err)
		}
		for _, r := range rows {
			out[r.DBID] = r.ID
		}
	}
	return out, nil
}

// GDFOs returns the stored GDFO of each surrogate id; ids without one are
// absent.
func (a *Access) GDFOs(ctx context.Context, dbIDs []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(dbIDs))
	for _, batch := range chunks(dbIDs, MaxBatch) {
		var rows []revisionRow
		err := a.selectIn(ctx, &rows,
			`SELECT db_id, revision_id, gdfo FROM revision WHERE db_id IN (?)`, batch)
		if err != nil {
			return nil, fmt.Errorf("select gdfo: %w", err)
		}
		for _, r := range rows {
			if r.GDFO.Valid {
				out[r.DBID] = r.GDFO.Int64
			}
		}
	}
	return out, nil
}

// EnsureRevisions guarantees a revision row for every id and returns the
// surrogate ids of all of them. Rows created here have no GDFO yet.
func (a *Access) EnsureRevisions(ctx context.Context, ids []string) (map[string]int64, error) {
	known, err := a.RevisionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing [][]any
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, []any{id})
			known[id] = 0
		}
	}
	if len(missing) == 0 {
		return known, nil
	}
	if err := a.execEach(ctx, a.d.InsertIgnore("revision", "revision_id"), missing); err != nil {
		return nil, fmt.Errorf("insert revisions: %w", err)
	}
	created := make([]string, len(missing))
	for i, m := range missing {
		created[i] = m[0].(string)
	}
	fresh, err := a.RevisionIDs(ctx, created)
	if err != nil {
		return nil, err
	}
	for id, dbID := range fresh {
		known[id] = dbID
	}
	for _, id := range created {
		if known[id] == 0 {
			return nil, fmt.Errorf("insert revisions: %s vanished", id)
		}
	}
	return known, nil
}

// SetGDFO stores freshly computed GDFO values.
func (a *Access) SetGDFO(ctx context.Context, gdfo map[int64]int64) error {
	rows := make([][]any, 0, len(gdfo))
	for dbID, g := range gdfo {
		rows = append(rows, []any{g, dbID})
	}
	if err := a.execEach(ctx, `UPDATE revision SET gdfo = ? WHERE db_id = ?`, rows); err != nil {
		return fmt.Errorf("update gdfo: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parents and ghosts
// ---------------------------------------------------------------------------

// InsertParents records edges; edges already present are skipped.
func (a *Access) InsertParents(ctx context.Context, edges []ParentRow) error {
	rows := make([][]any, len(edges))
	for i, e := range edges {
		rows[i] = []any{e.Child, e.Parent, e.ParentIdx}
	}
	if err := a.execEach(ctx, a.d.InsertIgnore("parent", "child", "parent", "parent_idx"), rows); err != nil {
		return fmt.Errorf("insert parents: %w", err)
	}
	return nil
}

// ParentRows returns the ordered parent edges of every child, flagging
// ghost parents.
func (a *Access) ParentRows(ctx context.Context, children []int64) ([]ParentRow, error) {
	var out []ParentRow
	for _, batch := range chunks(children, MaxBatch) {
		var rows []ParentRow
		err := a.selectIn(ctx, &rows, `
			SELECT p.child, p.parent, p.parent_idx, g.ghost IS NOT NULL AS is_ghost
			FROM parent p LEFT JOIN ghost g ON g.ghost = p.parent
			WHERE p.child IN (?)
			ORDER BY p.child, p.parent_idx`, batch)
		if err != nil {
			return nil, fmt.Errorf("select parents: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// InsertGhosts marks revisions as ghosts. Each ghost is recorded once no
// matter how often it is passed in.
func (a *Access) InsertGhosts(ctx context.Context, dbIDs []int64) error {
	rows := make([][]any, len(dbIDs))
	for i, id := range dbIDs {
		rows[i] = []any{id}
	}
	if err := a.execEach(ctx, a.d.InsertIgnore("ghost", "ghost"), rows); err != nil {
		return fmt.Errorf("insert ghosts: %w", err)
	}
	return nil
}

// CountRows counts the rows of one of the cache tables.
func (a *Access) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "revision", "parent", "ghost", "dotted_revno", "mainline_parent_range", "mainline_parent":
	default:
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var n int
	if err := sqlx.GetContext(ctx, a.q, &n, "SELECT COUNT(*) FROM "+table); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Dotted revnos
// ---------------------------------------------------------------------------

// ImportedTips reports which of dbIDs have been imported as mainline
// revisions, i.e. carry a dotted revno row for themselves.
func (a *Access) ImportedTips(ctx context.Context, dbIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	for _, batch := range chunks(dbIDs, MaxBatch) {
		var tips []int64
		err := a.selectIn(ctx, &tips, `
			SELECT tip_revision FROM dotted_revno
			WHERE tip_revision = merged_revision AND tip_revision IN (?)`, batch)
		if err != nil {
			return nil, fmt.Errorf("select imported tips: %w", err)
		}
		for _, t := range tips {
			out[t] = true
		}
	}
	return out, nil
}

// DottedForTip returns everything the mainline revision tip merged, tip
// first.
func (a *Access) DottedForTip(ctx context.Context, tip int64) ([]DottedRow, error) {
	var rows []DottedRow
	err := sqlx.SelectContext(ctx, a.q, &rows, a.q.Rebind(`
		SELECT tip_revision, merged_revision, revno, end_of_merge, merge_depth, dist
		FROM dotted_revno WHERE tip_revision = ? ORDER BY dist`), tip)
	if err != nil {
		return nil, fmt.Errorf("select dotted revnos of %d: %w", tip, err)
	}
	return rows, nil
}

// DottedFor returns the rows where a tip in tips merged a revision in merged.
func (a *Access) DottedFor(ctx context.Context, tips, merged []int64) ([]DottedRow, error) {
	var out []DottedRow
	for _, tb := range chunks(tips, MaxBatch) {
		for _, mb := range chunks(merged, MaxBatch) {
			var rows []DottedRow
			err := a.selectIn(ctx, &rows, `
				SELECT tip_revision, merged_revision, revno, end_of_merge, merge_depth, dist
				FROM dotted_revno WHERE tip_revision IN (?) AND merged_revision IN (?)`, tb, mb)
			if err != nil {
				return nil, fmt.Errorf("select dotted revnos: %w", err)
			}
			out = append(out, rows...)
		}
	}
	return out, nil
}

// DottedForTips returns every row introduced by the given mainline
// revisions, ordered by tip then dist.
func (a *Access) DottedForTips(ctx context.Context, tips []int64) ([]DottedRow, error) {
	var out []DottedRow
	for _, batch := range chunks(tips, MaxBatch) {
		var rows []DottedRow
		err := a.selectIn(ctx, &rows, `
			SELECT tip_revision, merged_revision, revno, end_of_merge, merge_depth, dist
			FROM dotted_revno WHERE tip_revision IN (?) ORDER BY tip_revision, dist`, batch)
		if err != nil {
			return nil, fmt.Errorf("select dotted revnos: %w", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// InsertDotted appends dotted revno rows; a row already present for the
// same (tip, merged) pair is left alone.
func (a *Access) InsertDotted(ctx context.Context, rows []DottedRow) error {
	args := make([][]any, len(rows))
	for i, r := range rows {
		args[i] = []any{r.Tip, r.Merged, r.Revno, r.EndOfMerge, r.MergeDepth, r.Dist}
	}
	query := a.d.InsertIgnore("dotted_revno",
		"tip_revision", "merged_revision", "revno", "end_of_merge", "merge_depth", "dist")
	if err := a.execEach(ctx, query, args); err != nil {
		return fmt.Errorf("insert dotted revnos: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mainline ranges
// ---------------------------------------------------------------------------

// RangeByHead returns the range starting at head, or nil.
func (a *Access) RangeByHead(ctx context.Context, head int64) (*Range, error) {
	var r Range
	err := sqlx.GetContext(ctx, a.q, &r, a.q.Rebind(
		`SELECT pkey, head, tail, count FROM mainline_parent_range WHERE head = ?`), head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select range at %d: %w", head, err)
	}
	return &r, nil
}

// Ranges lists every persisted range.
func (a *Access) Ranges(ctx context.Context) ([]Range, error) {
	var rows []Range
	if err := sqlx.SelectContext(ctx, a.q, &rows,
		`SELECT pkey, head, tail, count FROM mainline_parent_range ORDER BY pkey`); err != nil {
		return nil, fmt.Errorf("select ranges: %w", err)
	}
	return rows, nil
}

// InsertRange persists members (head first, tail last) as one range and
// returns its key. A range with the same head written concurrently by
// someone else wins; its key is returned.
func (a *Access) InsertRange(ctx context.Context, members []int64) (int64, error) {
	if len(members) == 0 {
		return 0, fmt.Errorf("insert range: no members")
	}
	head, tail := members[0], members[len(members)-1]
	_, err := a.q.ExecContext(ctx, a.q.Rebind(a.d.InsertIgnore("mainline_parent_range", "head", "tail", "count")),
		head, tail, len(members))
	if err != nil && !a.d.IsUniqueViolation(err) {
		return 0, fmt.Errorf("insert range: %w", err)
	}
	r, err := a.RangeByHead(ctx, head)
	if err != nil {
		return 0, err
	}
	if r == nil {
		return 0, fmt.Errorf("insert range: head %d vanished", head)
	}
	rows := make([][]any, len(members))
	for i, m := range members {
		rows[i] = []any{r.ID, m, i}
	}
	if err := a.execEach(ctx, a.d.InsertIgnore("mainline_parent", "range_id", "revision", "dist"), rows); err != nil {
		return 0, fmt.Errorf("insert range members: %w", err)
	}
	return r.ID, nil
}

// RangeMembers returns a range's revisions, head first.
func (a *Access) RangeMembers(ctx context.Context, rangeID int64) ([]int64, error) {
	var out []int64
	err := sqlx.SelectContext(ctx, a.q, &out, a.q.Rebind(
		`SELECT revision FROM mainline_parent WHERE range_id = ? ORDER BY dist`), rangeID)
	if err != nil {
		return nil, fmt.Errorf("select range members: %w", err)
	}
	return out, nil
}
