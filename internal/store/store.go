package store

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the relational substrate of the revision-graph cache: revisions,
// ordered parent edges, ghosts, dotted revnos and mainline ranges.
//
// Reads go straight to the pool and never block each other. Writes happen in
// transactions opened by WithTx; callers that need "one import at a time"
// serialize above this layer (see keylock).
type Store struct {
	db      *sqlx.DB
	dialect *Dialect
	key     string
}

// Open connects to driver/dsn and makes sure the schema exists.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.Driver, d.prepareDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", d.Driver, dsn, err)
	}
	s := &Store{db: db, dialect: d, key: d.Driver + ":" + dsn}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close() // ignore error
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. The caller owns schema creation.
func New(db *sqlx.DB, d *Dialect, key string) *Store {
	return &Store{db: db, dialect: d, key: key}
}

// prepareDSN adds the pragmas every SQLite connection needs: WAL so readers
// don't block the importer, a busy timeout instead of SQLITE_BUSY, and
// immediate transactions so two writers queue up instead of deadlocking on
// lock upgrade.
func (d *Dialect) prepareDSN(dsn string) string {
	if d != SQLite {
		return dsn
	}
	var params []string
	if !strings.Contains(dsn, "journal_mode") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(10000)")
	}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// EnsureSchema creates any missing table or index. Safe to call on every
// start-up and from several processes at once.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect.isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("create schema: %w", err)
		}
	}
	logrus.WithField("driver", s.dialect.Driver).Debug("schema ready")
	return nil
}

// Key identifies the storage for lock and cache keys.
func (s *Store) Key() string { return s.key }

func (s *Store) Dialect() *Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

// Reader returns an accessor bound to the connection pool.
func (s *Store) Reader() *Access {
	return &Access{q: s.db, d: s.dialect}
}

// WithTx runs fn inside one transaction. Any error from fn, or from commit,
// rolls everything back and is returned unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(a *Access) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	if err := fn(&Access{q: tx, d: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
