// Package protocol defines the message set exchanged between the engine and the
// display surface. The set is closed: every kind a conforming peer may send is
// declared here, and the engine dispatches over all of them exhaustively instead
// of through a runtime handler registry.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a surface message.
type Kind string

const (
	// Handshake.
	KindReady Kind = "ready" // surface→backend: surface signals presence
	KindAck   Kind = "ack"   // backend→surface: acknowledgment + session snapshot

	// Session lifecycle.
	KindCreate          Kind = "create"          // backend→surface: announce new session
	KindCreateConfirmed Kind = "createConfirmed" // surface→backend: surface finished local setup
	KindDispose         Kind = "dispose"         // either direction: terminate session

	// Data path.
	KindOutput Kind = "output" // backend→surface: flushed buffer content
	KindInput  Kind = "input"  // surface→backend: user keystrokes
	KindResize Kind = "resize" // surface→backend: geometry change

	// Restore and capture.
	KindRestoreRequest  Kind = "restoreRequest"  // surface→backend: ask for prior sessions
	KindScrollbackQuery Kind = "scrollbackQuery" // backend→surface: request buffer lines
	KindScrollbackReply Kind = "scrollbackReply" // surface→backend: response to query
)

// ErrUnknownKind is returned when a frame carries a kind outside the closed set.
var ErrUnknownKind = errors.New("unknown message kind")

// Kinds returns the closed message set in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindReady,
		KindAck,
		KindCreate,
		KindCreateConfirmed,
		KindDispose,
		KindOutput,
		KindInput,
		KindResize,
		KindRestoreRequest,
		KindScrollbackQuery,
		KindScrollbackReply,
	}
}

// KnownKind reports whether k belongs to the closed message set.
func KnownKind(k Kind) bool {
	switch k {
	case KindReady, KindAck, KindCreate, KindCreateConfirmed, KindDispose,
		KindOutput, KindInput, KindResize, KindRestoreRequest,
		KindScrollbackQuery, KindScrollbackReply:
		return true
	}
	return false
}

// Message is the envelope for every surface message.
type Message struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode parses a wire frame and rejects kinds outside the closed set.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if !KnownKind(msg.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	return &msg, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

func newMessage(kind Kind, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Kind:      kind,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewReady creates the handshake-start message.
func NewReady(sentAt time.Time) (*Message, error) {
	return newMessage(KindReady, ReadyPayload{SentAt: sentAt.UTC()})
}

// NewAck creates the handshake acknowledgment carrying the current sessions.
func NewAck(sessions []SessionSnapshot) (*Message, error) {
	if sessions == nil {
		sessions = []SessionSnapshot{}
	}
	return newMessage(KindAck, AckPayload{Sessions: sessions})
}

// NewCreate announces a session to the surface.
func NewCreate(id int, cols, rows uint16, cwd string, restored bool) (*Message, error) {
	return newMessage(KindCreate, CreatePayload{
		SessionID: id,
		Cols:      cols,
		Rows:      rows,
		Cwd:       cwd,
		Restored:  restored,
	})
}

// NewCreateConfirmed reports that the surface finished local setup for a session.
func NewCreateConfirmed(id int) (*Message, error) {
	return newMessage(KindCreateConfirmed, CreateConfirmedPayload{SessionID: id})
}

// NewOutput carries a flushed chunk of session output.
func NewOutput(id int, data string) (*Message, error) {
	return newMessage(KindOutput, OutputPayload{SessionID: id, Data: data})
}

// NewInput carries user keystrokes for a session.
func NewInput(id int, data string) (*Message, error) {
	return newMessage(KindInput, InputPayload{SessionID: id, Data: data})
}

// NewResize carries a geometry change for a session.
func NewResize(id int, cols, rows uint16) (*Message, error) {
	return newMessage(KindResize, ResizePayload{SessionID: id, Cols: cols, Rows: rows})
}

// NewDispose requests or announces session termination.
func NewDispose(id int, reason string) (*Message, error) {
	return newMessage(KindDispose, DisposePayload{SessionID: id, Reason: reason})
}

// NewRestoreRequest asks the backend to replay prior sessions.
func NewRestoreRequest() (*Message, error) {
	return newMessage(KindRestoreRequest, RestoreRequestPayload{})
}

// NewScrollbackQuery asks the surface for the most recent buffer lines.
func NewScrollbackQuery(id, limit int) (*Message, error) {
	return newMessage(KindScrollbackQuery, ScrollbackQueryPayload{SessionID: id, Limit: limit})
}

// NewScrollbackReply answers a scrollback query.
func NewScrollbackReply(id int, lines []string) (*Message, error) {
	if lines == nil {
		lines = []string{}
	}
	return newMessage(KindScrollbackReply, ScrollbackReplyPayload{SessionID: id, Lines: lines})
}
