// Package db opens and pools the durable-state database behind the engine:
// embedded SQLite by default, PostgreSQL when configured.
package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool splits database access into a write side and a read side.
//
// Under SQLite the split is load-bearing: the writer is pinned to one
// connection so state captures serialize cleanly under WAL, while the
// readers serve restores and probes from WAL snapshots without queueing
// behind a write. Under PostgreSQL both sides are the same *sqlx.DB and
// pgx does the pooling.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps an already-opened writer and reader pair.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the side for INSERT, UPDATE, DELETE and DDL.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the side for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close shuts both sides down, tolerating the shared-connection case.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	return errors.Join(wErr, p.reader.Close())
}
