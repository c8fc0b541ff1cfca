package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/VividCortex/mysqlerr"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrUnknownDriver is returned by DialectFor for engines we have no schema for.
var ErrUnknownDriver = errors.New("unknown database driver")

// Dialect captures the few places where the supported engines disagree:
// auto-increment keys, indexable text columns, "insert unless present" and
// how a unique-constraint violation is reported.
type Dialect struct {
	Driver string

	autoIncrement string
	keyText       string
	indexIfAbsent string
	insertPrefix  string
	insertSuffix  string
}

var (
	// SQLite is the embedded engine (modernc.org/sqlite, driver "sqlite").
	SQLite = &Dialect{
		Driver:        "sqlite",
		autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT",
		keyText:       "TEXT",
		indexIfAbsent: "IF NOT EXISTS ",
		insertPrefix:  "INSERT OR IGNORE INTO",
	}

	// Postgres is the lib/pq client/server engine.
	Postgres = &Dialect{
		Driver:        "postgres",
		autoIncrement: "SERIAL PRIMARY KEY",
		keyText:       "TEXT",
		indexIfAbsent: "IF NOT EXISTS ",
		insertPrefix:  "INSERT INTO",
		insertSuffix:  " ON CONFLICT DO NOTHING",
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; duplicate index names are
	// tolerated in EnsureSchema instead.
	MySQL = &Dialect{
		Driver:        "mysql",
		autoIncrement: "INTEGER PRIMARY KEY AUTO_INCREMENT",
		keyText:       "VARCHAR(255)",
		insertPrefix:  "INSERT IGNORE INTO",
	}
)

func init() {
	// sqlx only knows "sqlite3" by name.
	sqlx.BindDriver(SQLite.Driver, sqlx.QUESTION)
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (*Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// InsertIgnore builds an insert that silently skips rows colliding with a
// unique constraint. Placeholders are '?' and must be rebound by the caller.
func (d *Dialect) InsertIgnore(table string, cols ...string) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("%s %s (%s) VALUES (%s)%s",
		d.insertPrefix, table, strings.Join(cols, ", "), marks, d.insertSuffix)
}

// Schema returns the DDL statements, one per element, in creation order.
func (d *Dialect) Schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS revision (
			db_id %s,
			revision_id %s NOT NULL,
			gdfo INTEGER,
			CONSTRAINT revision_id_unique UNIQUE (revision_id)
		)`, d.autoIncrement, d.keyText),
		`CREATE TABLE IF NOT EXISTS parent (
			child INTEGER NOT NULL REFERENCES revision (db_id),
			parent INTEGER NOT NULL REFERENCES revision (db_id),
			parent_idx INTEGER NOT NULL,
			CONSTRAINT parent_is_unique UNIQUE (child, parent_idx)
		)`,
		fmt.Sprintf(`CREATE INDEX %sparent_child_index ON parent (child)`, d.indexIfAbsent),
		fmt.Sprintf(`CREATE INDEX %sparent_parent_index ON parent (parent)`, d.indexIfAbsent),
		`CREATE TABLE IF NOT EXISTS ghost (
			ghost INTEGER NOT NULL PRIMARY KEY REFERENCES revision (db_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dotted_revno (
			tip_revision INTEGER NOT NULL REFERENCES revision (db_id),
			merged_revision INTEGER NOT NULL REFERENCES revision (db_id),
			revno VARCHAR(64) NOT NULL,
			end_of_merge BOOLEAN NOT NULL,
			merge_depth INTEGER NOT NULL,
			dist INTEGER NOT NULL,
			CONSTRAINT dotted_revno_key UNIQUE (tip_revision, merged_revision)
		)`,
		fmt.Sprintf(`CREATE INDEX %sdotted_revno_merged_index ON dotted_revno (merged_revision)`, d.indexIfAbsent),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mainline_parent_range (
			pkey %s,
			head INTEGER NOT NULL REFERENCES revision (db_id),
			tail INTEGER NOT NULL REFERENCES revision (db_id),
			count INTEGER NOT NULL,
			CONSTRAINT mainline_parent_range_head UNIQUE (head)
		)`, d.autoIncrement),
		`CREATE TABLE IF NOT EXISTS mainline_parent (
			range_id INTEGER NOT NULL REFERENCES mainline_parent_range (pkey),
			revision INTEGER NOT NULL REFERENCES revision (db_id),
			dist INTEGER NOT NULL,
			CONSTRAINT mainline_parent_dist UNIQUE (range_id, dist)
		)`,
		fmt.Sprintf(`CREATE INDEX %smainline_parent_revision_index ON mainline_parent (revision)`, d.indexIfAbsent),
	}
}

// IsUniqueViolation reports whether err is the engine telling us a row
// already exists. Concurrent importers racing on the same rows hit this.
func (d *Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code.Name() == "unique_violation"
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlerr.ER_DUP_ENTRY
	}
	return false
}

// isDuplicateIndex reports a CREATE INDEX on an engine without IF NOT EXISTS
// finding the index already there.
func (d *Dialect) isDuplicateIndex(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlerr.ER_DUP_KEYNAME
}
