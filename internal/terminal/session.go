// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// Session is the registry's record of one terminal session.

package terminal

import (
	"time"

	"github.com/kandev/termd/pkg/protocol"
)

// SessionState tracks a session through its lifecycle.
type SessionState string

const (
	// StateCreated means the session id is reserved and announced but no
	// process has been started yet.
	StateCreated SessionState = "created"
	// StateSpawning means the shell process is being launched.
	StateSpawning SessionState = "spawning"
	// StateRunning means the shell process is live.
	StateRunning SessionState = "running"
	// StateExited means the shell process has terminated but the session
	// record has not been disposed yet.
	StateExited SessionState = "exited"
	// StateDisposed means the session is fully torn down and its id has
	// been returned to the pool.
	StateDisposed SessionState = "disposed"
)

// Session holds the registry's state for one terminal session. All fields
// are guarded by the registry lock; components outside the registry keep
// only the session id and look the record up per operation.
type Session struct {
	ID        int
	Cwd       string
	Command   string
	Args      []string
	Env       []string
	Cols      uint16
	Rows      uint16
	State     SessionState
	CreatedAt time.Time
	ExitCode  *int
	// Restored marks sessions rebuilt from persisted state after a restart.
	Restored bool
}

// snapshot renders the wire view of the session. The caller holds the
// registry lock.
func (s *Session) snapshot() protocol.SessionSnapshot {
	return protocol.SessionSnapshot{
		ID:        s.ID,
		Cwd:       s.Cwd,
		Cols:      s.Cols,
		Rows:      s.Rows,
		State:     string(s.State),
		CreatedAt: s.CreatedAt,
	}
}
