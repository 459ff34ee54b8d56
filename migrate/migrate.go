// Package migrate applies ordered, idempotent schema-migration units to a
// store file.
//
// There is no external ledger of applied migrations: every unit is
// self-verifying through introspection of the current schema (table
// existence, column existence) and re-applying it to an already-migrated
// store is a no-op. Units only ever perform additive DDL; a rename or
// retype goes through a copy-rebuild so that a mid-failure leaves the
// original table intact. Each unit runs inside one transaction.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/hazyhaar/finveille/fault"
	"github.com/hazyhaar/finveille/txn"
)

// Unit is one ordered, named schema transformation. Seq is a monotonically
// increasing identifier; timestamp-derived values (YYYYMMDDhhmm) work well.
type Unit struct {
	Seq   int64
	Name  string
	Apply func(ctx context.Context, conn *sql.Conn) error
}

// Ensure applies units to path in Seq order, each inside its own
// transaction. A failing unit surfaces as a SchemaMismatch naming the unit;
// units already reflected in the schema are no-ops by construction.
func Ensure(ctx context.Context, r *txn.Runner, path string, units []Unit) error {
	ordered := make([]Unit, len(units))
	copy(ordered, units)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	for _, u := range ordered {
		err := r.Run(ctx, path, u.Apply)
		if err != nil {
			if fault.KindOf(err) == fault.Contention {
				return err
			}
			return fault.New(fault.SchemaMismatch, path,
				fmt.Errorf("migration %d %s: %w", u.Seq, u.Name, err))
		}
	}
	return nil
}

// TableExists reports whether table exists in the connected store.
func TableExists(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ColumnExists reports whether table has a column with the given name.
func ColumnExists(ctx context.Context, conn *sql.Conn, table, column string) (bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Columns returns table's column names in declaration order. An empty slice
// means the table does not exist.
func Columns(ctx context.Context, conn *sql.Conn, table string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// AddColumnIfMissing issues ALTER TABLE ... ADD COLUMN when column is not
// already present. decl is the column declaration after the name, for
// example "TEXT NOT NULL DEFAULT 0".
func AddColumnIfMissing(ctx context.Context, conn *sql.Conn, table, column, decl string) error {
	ok, err := ColumnExists(ctx, conn, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = conn.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, table, column, decl))
	return err
}

// CopyRebuild replaces table with a reshaped copy: create the shadow table,
// copy-select the rows with explicit per-column mapping, drop the original,
// rename the shadow into place. Meant to run inside a unit's transaction so
// a mid-failure leaves the original table untouched.
//
// shadowDDL must create the table named shadow; copySQL must be a full
// INSERT INTO shadow ... SELECT ... FROM table statement with per-column
// COALESCE defaults for columns absent or nullable in the source.
func CopyRebuild(ctx context.Context, conn *sql.Conn, table, shadow, shadowDDL, copySQL string) error {
	if _, err := conn.ExecContext(ctx, shadowDDL); err != nil {
		return fmt.Errorf("create shadow %s: %w", shadow, err)
	}
	if _, err := conn.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("copy into %s: %w", shadow, err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %q`, table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, shadow, table)); err != nil {
		return fmt.Errorf("rename %s: %w", shadow, err)
	}
	return nil
}
