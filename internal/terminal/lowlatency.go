// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// AgentLaunchDetector flags sessions running interactive agent CLIs so the
// flow controller can trade batching efficiency for latency.

package terminal

import (
	"regexp"
	"sync"
	"time"
)

// ActivityDetector decides when a session's output should flush with
// minimal batching. Detection is heuristic; the flow controller only reads
// the Active flag, so any implementation with the same surface can stand in.
type ActivityDetector interface {
	// ObserveInput sees every input chunk before it reaches the PTY.
	ObserveInput(sessionID int, data []byte)
	// ObserveOutput is called for every PTY output chunk.
	ObserveOutput(sessionID int)
	// Active reports whether the session is in low-latency mode.
	Active(sessionID int) bool
	// Drop forgets the session's state.
	Drop(sessionID int)
}

// Interactive agent CLI launched at a shell prompt, with an optional path
// prefix and leading environment assignments or pipeline separators.
// Example: "claude --continue"
// Example: "~/bin/codex"
// Example: "FOO=1 aider ."
var agentLaunchPattern = regexp.MustCompile(
	`(?:^|[\s;|&])(?:[\w@.~+-]*/)*(claude|codex|gemini|aider|amp|opencode|cursor-agent)(?:\s|$)`,
)

// Longer than any plausible typed command. Overflow resets the assembly so
// a program writing bulk data to stdin cannot grow it without bound.
const maxCommandLineBytes = 512

// sessionActivity is one session's low-latency state.
type sessionActivity struct {
	active   bool
	lastSeen time.Time
	line     []byte
	inEscape bool
}

// AgentLaunchDetector assembles typed input into command lines and matches
// them against known interactive agent CLIs. Once a session matches, mode
// stays on while output keeps arriving and drops after a quiet period.
type AgentLaunchDetector struct {
	quiet time.Duration

	mu       sync.Mutex
	sessions map[int]*sessionActivity
}

// NewAgentLaunchDetector creates a detector that leaves low-latency mode
// after quiet with no PTY output.
func NewAgentLaunchDetector(quiet time.Duration) *AgentLaunchDetector {
	return &AgentLaunchDetector{
		quiet:    quiet,
		sessions: make(map[int]*sessionActivity),
	}
}

// ObserveInput folds input bytes into the session's current line and
// evaluates it when the user presses enter. Keystrokes arrive one byte at a
// time and pastes arrive in bulk; both end up in the same line assembly.
func (d *AgentLaunchDetector) ObserveInput(sessionID int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sa := d.sessions[sessionID]
	if sa == nil {
		sa = &sessionActivity{}
		d.sessions[sessionID] = sa
	}

	for _, c := range data {
		if sa.inEscape {
			// CSI sequences (cursor keys and the like) end on a final byte
			// in the @..~ range.
			if c >= 0x40 && c <= 0x7e && c != '[' {
				sa.inEscape = false
			}
			continue
		}
		switch {
		case c == 0x1b:
			sa.inEscape = true
		case c == '\r' || c == '\n':
			if len(sa.line) > 0 && agentLaunchPattern.Match(sa.line) {
				sa.active = true
				sa.lastSeen = time.Now()
			}
			sa.line = sa.line[:0]
		case c == 0x7f || c == '\b':
			if len(sa.line) > 0 {
				sa.line = sa.line[:len(sa.line)-1]
			}
		case c < 0x20:
			// Other control bytes are not part of the command text.
		default:
			if len(sa.line) >= maxCommandLineBytes {
				sa.line = sa.line[:0]
			}
			sa.line = append(sa.line, c)
		}
	}
}

// ObserveOutput keeps the mode alive while the session produces output.
func (d *AgentLaunchDetector) ObserveOutput(sessionID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sa := d.sessions[sessionID]; sa != nil && sa.active {
		sa.lastSeen = time.Now()
	}
}

// Active reports whether the session is in low-latency mode, dropping the
// mode once the quiet period elapses without output.
func (d *AgentLaunchDetector) Active(sessionID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sa := d.sessions[sessionID]
	if sa == nil || !sa.active {
		return false
	}
	if time.Since(sa.lastSeen) > d.quiet {
		sa.active = false
	}
	return sa.active
}

// Drop forgets the session's state.
func (d *AgentLaunchDetector) Drop(sessionID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}
