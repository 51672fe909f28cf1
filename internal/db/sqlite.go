package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns bounds the read pool. WAL lets all of them proceed
	// alongside the single writer; the read load here (startup restore,
	// health probes) is light, so a small pool suffices.
	sqliteReaderConns = 4
)

// sqliteParams returns the connection settings shared by the writer and
// reader: foreign keys enforced, a short wait on locked pages, and one
// page cache shared across connections.
func sqliteParams() url.Values {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", strconv.Itoa(int(sqliteBusyTimeout/time.Millisecond)))
	params.Set("_cache", "shared")
	return params
}

// OpenSQLite opens the write side: a single connection in rwc mode with
// WAL journaling and NORMAL synchronous level, so writes serialize without
// SQLITE_BUSY errors.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	params := sqliteParams()
	params.Set("_mode", "rwc")
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")

	conn, err := sql.Open(DriverSQLite, "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a read-only pool serving SELECTs
// from WAL snapshots without blocking the writer. Journal mode and
// synchronous level are database-wide and belong to the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	params := sqliteParams()
	params.Set("_mode", "ro")

	conn, err := sql.Open(DriverSQLite, "file:"+absSQLitePath(dbPath)+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// OpenSQLitePool opens the writer and reader for one database file and
// wraps them in a Pool.
func OpenSQLitePool(dbPath string) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(sqlx.NewDb(writer, DriverSQLite), sqlx.NewDb(reader, DriverSQLite)), nil
}

// prepareSQLitePath resolves the database path, creates missing parent
// directories, and touches the file so the read-only pool can open it.
func prepareSQLitePath(dbPath string) (string, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
