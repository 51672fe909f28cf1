// Package sqlite holds small helpers for the embedded SQLite backend.
package sqlite

import (
	"database/sql"
	"fmt"
)

// EnsureColumn adds a column to a table when it is missing, so databases
// created by older builds pick up additive schema changes on startup.
// The definition is the raw column type and constraints, e.g. "TIMESTAMP".
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	// Identifiers cannot be bound, so the DDL is assembled directly. Table
	// and column names only ever come from compile-time constants.
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// ColumnExists reports whether the table already has the named column.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?",
		table, column,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
