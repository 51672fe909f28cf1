package protocol

import "time"

// SessionSnapshot is the wire view of a live session, shared by the handshake
// acknowledgment and the HTTP session API.
type SessionSnapshot struct {
	ID        int       `json:"id"`
	Cwd       string    `json:"cwd"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadyPayload starts the handshake.
type ReadyPayload struct {
	SentAt time.Time `json:"sentAt"`
}

// AckPayload confirms the handshake and carries the live sessions.
type AckPayload struct {
	Sessions []SessionSnapshot `json:"sessions"`
}

// CreatePayload announces a session. Restored marks sessions rebuilt from
// persisted state, so the surface can distinguish them from fresh ones.
type CreatePayload struct {
	SessionID int    `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Cwd       string `json:"cwd,omitempty"`
	Restored  bool   `json:"restored,omitempty"`
}

// CreateConfirmedPayload reports surface-side setup completion.
type CreateConfirmedPayload struct {
	SessionID int `json:"sessionId"`
}

// OutputPayload carries flushed session output.
type OutputPayload struct {
	SessionID int    `json:"sessionId"`
	Data      string `json:"data"`
}

// InputPayload carries user keystrokes.
type InputPayload struct {
	SessionID int    `json:"sessionId"`
	Data      string `json:"data"`
}

// ResizePayload carries a geometry change.
type ResizePayload struct {
	SessionID int    `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// DisposePayload requests or announces session termination.
type DisposePayload struct {
	SessionID int    `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// RestoreRequestPayload asks for prior sessions. It carries no fields; the
// type exists so every kind decodes through the same path.
type RestoreRequestPayload struct{}

// ScrollbackQueryPayload asks the surface for its most recent buffer lines.
type ScrollbackQueryPayload struct {
	SessionID int `json:"sessionId"`
	Limit     int `json:"limit"`
}

// ScrollbackReplyPayload answers a scrollback query.
type ScrollbackReplyPayload struct {
	SessionID int      `json:"sessionId"`
	Lines     []string `json:"lines"`
}
