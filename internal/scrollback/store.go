package scrollback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kandev/termd/internal/common/sqlite"
	"github.com/kandev/termd/internal/db"
)

// stateRowID is the fixed primary key of the single terminal_state row.
const stateRowID = 1

// Store reads and writes the persisted terminal state document. The whole
// state lives in one row of the terminal_state table; every save replaces it.
type Store struct {
	pool *db.Pool
}

// NewStore wraps the connection pool and ensures the terminal_state table exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("terminal_state schema init: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	writer := s.pool.Writer()
	driver := writer.DriverName()
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS terminal_state (
		id         INTEGER PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at %s NOT NULL
	);
	`, db.TimestampType(driver))
	if _, err := writer.Exec(schema); err != nil {
		return err
	}
	if db.IsPostgres(driver) {
		return nil
	}
	// Databases written before the timestamp column existed gain it in place.
	return sqlite.EnsureColumn(writer.DB, "terminal_state", "updated_at", "TIMESTAMP")
}

// Save overwrites the state document.
func (s *Store) Save(ctx context.Context, payload string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO terminal_state (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`), stateRowID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save terminal state: %w", err)
	}
	return nil
}

// Load returns the stored document, or the empty string when nothing was
// saved yet.
func (s *Store) Load(ctx context.Context) (string, error) {
	reader := s.pool.Reader()
	var payload string
	err := reader.GetContext(ctx, &payload, reader.Rebind(`
		SELECT payload FROM terminal_state WHERE id = ?
	`), stateRowID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load terminal state: %w", err)
	}
	return payload, nil
}
