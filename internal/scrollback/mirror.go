// Package scrollback captures, persists and restores terminal session
// state across engine restarts.
//
// Mirror keeps a server-side virtual terminal per session so scrollback
// can still be captured when no surface is attached to ask.

package scrollback

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// Mirror is one session's server-side virtual terminal. It sees every raw
// PTY output chunk and renders the trailing screen lines on demand.
type Mirror struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

// NewMirror creates a mirror at the session's geometry.
func NewMirror(cols, rows int) *Mirror {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Mirror{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Feed processes one chunk of PTY output.
func (m *Mirror) Feed(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = m.term.Write(data)
}

// Resize follows the session's geometry.
func (m *Mirror) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term.Resize(cols, rows)
	m.cols = cols
	m.rows = rows
}

// Lines renders the visible screen as text and returns the trailing
// non-blank lines, at most limit. The mirror only sees what a terminal of
// the session's size would show, so this is a bounded fallback rather than
// a full history.
func (m *Mirror) Lines(limit int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := make([]string, m.rows)
	for row := 0; row < m.rows; row++ {
		var chars []rune
		for col := 0; col < m.cols; col++ {
			g := m.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	lines = lines[:end]

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// MirrorSet tracks the mirrors of all live sessions.
type MirrorSet struct {
	mu      sync.RWMutex
	mirrors map[int]*Mirror
}

// NewMirrorSet creates an empty set.
func NewMirrorSet() *MirrorSet {
	return &MirrorSet{mirrors: make(map[int]*Mirror)}
}

// Track creates the session's mirror, replacing any previous one.
func (s *MirrorSet) Track(sessionID, cols, rows int) {
	s.mu.Lock()
	s.mirrors[sessionID] = NewMirror(cols, rows)
	s.mu.Unlock()
}

// Feed routes a PTY output chunk to the session's mirror, if tracked.
func (s *MirrorSet) Feed(sessionID int, data []byte) {
	s.mu.RLock()
	m := s.mirrors[sessionID]
	s.mu.RUnlock()
	if m != nil {
		m.Feed(data)
	}
}

// Resize follows a session resize.
func (s *MirrorSet) Resize(sessionID, cols, rows int) {
	s.mu.RLock()
	m := s.mirrors[sessionID]
	s.mu.RUnlock()
	if m != nil {
		m.Resize(cols, rows)
	}
}

// Lines returns the session's trailing screen lines, or nil when the
// session is not tracked.
func (s *MirrorSet) Lines(sessionID, limit int) []string {
	s.mu.RLock()
	m := s.mirrors[sessionID]
	s.mu.RUnlock()
	if m == nil {
		return nil
	}
	return m.Lines(limit)
}

// Drop forgets the session's mirror.
func (s *MirrorSet) Drop(sessionID int) {
	s.mu.Lock()
	delete(s.mirrors, sessionID)
	s.mu.Unlock()
}
