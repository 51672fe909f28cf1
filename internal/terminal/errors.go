package terminal

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for registry lookups and limits.
var (
	// ErrSessionNotFound is returned when an operation names a session id
	// the registry does not track.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when all session ids are in use.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrHandshakeNotReady is returned when session creation is attempted
	// before the surface has acknowledged the handshake.
	ErrHandshakeNotReady = errors.New("surface handshake not ready")
)

// SpawnError reports a failed shell process launch. Spawn failures are
// reported once and never retried automatically.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	if len(e.Command) > 0 {
		return fmt.Sprintf("failed to spawn %s: %v", e.Command[0], e.Err)
	}
	return fmt.Sprintf("failed to spawn shell: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// DuplicateSessionError reports a create that raced an in-progress create
// for the same session id. Exactly one of the racers wins.
type DuplicateSessionError struct {
	ID int
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session %d already exists or is being created", e.ID)
}

// BackpressureOverflow records an output buffer crossing its high watermark.
// The flow controller flushes out of band and pauses the producer; the
// overflow itself is diagnostic, not fatal.
type BackpressureOverflow struct {
	SessionID int
	Watermark int
	Limit     int
}

func (e *BackpressureOverflow) Error() string {
	return fmt.Sprintf("session %d output buffer at %d bytes exceeds watermark %d", e.SessionID, e.Watermark, e.Limit)
}

// HandshakeTimeout reports that no surface completed the handshake within
// the configured window. The engine continues in local-echo-only mode.
type HandshakeTimeout struct {
	Waited time.Duration
}

func (e *HandshakeTimeout) Error() string {
	return fmt.Sprintf("no surface handshake within %s, continuing without surface", e.Waited)
}
