// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// SessionRegistry owns the session records and the id pool.

package terminal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/events"
	"github.com/kandev/termd/internal/events/bus"
	"github.com/kandev/termd/pkg/protocol"
)

// SurfaceNotifier delivers registry-initiated messages to the display
// surface. The engine implements it; a nil notifier drops everything.
type SurfaceNotifier interface {
	NotifyCreate(snap protocol.SessionSnapshot, restored bool)
	NotifyOutput(sessionID int, data []byte)
	NotifyDispose(sessionID int, reason string)
}

// SessionRegistry allocates session ids from a bounded pool, tracks every
// session record, and drives create/dispose through the PTY controller and
// flow controller. Construct one per engine; there is no package-level
// instance.
type SessionRegistry struct {
	log        *logger.Logger
	cfg        config.TerminalConfig
	controller *PtyProcessController
	flow       *FlowController
	handshake  *HandshakeCoordinator
	bus        bus.EventBus

	notifierMu sync.RWMutex
	notifier   SurfaceNotifier

	mu       sync.RWMutex
	sessions map[int]*Session
	creating map[int]bool
}

// NewSessionRegistry creates an empty registry. Session ids run from 1 to
// terminal.maxSessions, lowest free first.
func NewSessionRegistry(cfg config.TerminalConfig, controller *PtyProcessController, flow *FlowController, handshake *HandshakeCoordinator, eventBus bus.EventBus, log *logger.Logger) *SessionRegistry {
	return &SessionRegistry{
		log:        log,
		cfg:        cfg,
		controller: controller,
		flow:       flow,
		handshake:  handshake,
		bus:        eventBus,
		sessions:   make(map[int]*Session),
		creating:   make(map[int]bool),
	}
}

// SetNotifier wires the surface delivery path.
func (r *SessionRegistry) SetNotifier(n SurfaceNotifier) {
	r.notifierMu.Lock()
	r.notifier = n
	r.notifierMu.Unlock()
}

// CreateRequest carries the caller-supplied parameters for a new session.
// Zero geometry falls back to the configured defaults; an empty Command
// runs the platform login shell.
type CreateRequest struct {
	Cwd     string
	Command string
	Args    []string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Create allocates the lowest free session id, announces the session to the
// surface and spawns its process. It blocks until the process is
// prompt-ready or the spawn window elapsed.
func (r *SessionRegistry) Create(ctx context.Context, req CreateRequest) (protocol.SessionSnapshot, error) {
	return r.createSession(ctx, 0, req, false, false)
}

// Reserve allocates a specific session id without spawning a shell.
// Restore uses it to bring persisted sessions back under their original
// ids; the shell spawns later through Spawn once the surface confirmed the
// pane. Restored sessions always run the login shell.
func (r *SessionRegistry) Reserve(ctx context.Context, id int, cwd string, cols, rows uint16) (protocol.SessionSnapshot, error) {
	return r.createSession(ctx, id, CreateRequest{Cwd: cwd, Cols: cols, Rows: rows}, true, true)
}

func (r *SessionRegistry) createSession(ctx context.Context, id int, req CreateRequest, restored, deferSpawn bool) (protocol.SessionSnapshot, error) {
	if !r.handshake.AllowSpawn() {
		return protocol.SessionSnapshot{}, ErrHandshakeNotReady
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = uint16(r.cfg.DefaultCols)
	}
	if rows == 0 {
		rows = uint16(r.cfg.DefaultRows)
	}

	r.mu.Lock()
	if id == 0 {
		id = r.lowestFreeIDLocked()
		if id == 0 {
			r.mu.Unlock()
			return protocol.SessionSnapshot{}, ErrSessionLimit
		}
	} else {
		if id < 1 || id > r.cfg.MaxSessions {
			r.mu.Unlock()
			return protocol.SessionSnapshot{}, fmt.Errorf("session id %d outside pool 1..%d", id, r.cfg.MaxSessions)
		}
		if _, exists := r.sessions[id]; exists || r.creating[id] {
			r.mu.Unlock()
			return protocol.SessionSnapshot{}, &DuplicateSessionError{ID: id}
		}
	}

	sess := &Session{
		ID:        id,
		Cwd:       req.Cwd,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
		Cols:      cols,
		Rows:      rows,
		State:     StateCreated,
		CreatedAt: time.Now().UTC(),
		Restored:  restored,
	}
	r.creating[id] = true
	r.sessions[id] = sess
	snap := sess.snapshot()
	r.mu.Unlock()

	r.flow.Register(id)

	r.log.Info("Session created",
		zap.Int("session_id", id),
		zap.String("cwd", req.Cwd),
		zap.Uint16("cols", cols),
		zap.Uint16("rows", rows),
		zap.Bool("restored", restored))
	r.publishEvent(events.SessionCreated, map[string]interface{}{
		"session_id": id,
		"cwd":        req.Cwd,
		"restored":   restored,
	})

	// Announce before spawning so the surface can set up its pane.
	r.notifyCreate(snap, restored)

	if deferSpawn {
		r.clearCreating(id)
		return snap, nil
	}

	if err := r.Spawn(ctx, id); err != nil {
		r.clearCreating(id)
		return protocol.SessionSnapshot{}, err
	}
	r.clearCreating(id)

	snap, err := r.Get(id)
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return snap, nil
}

// Spawn launches the shell for a created session and flips it to Running.
// A failure emits one diagnostic output in place of a prompt, then the
// session is disposed; there is no retry.
func (r *SessionRegistry) Spawn(ctx context.Context, id int) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.State != StateCreated {
		state := sess.State
		r.mu.Unlock()
		return fmt.Errorf("session %d is %s, cannot spawn", id, state)
	}
	sess.State = StateSpawning
	var command []string
	if sess.Command != "" {
		command = append([]string{sess.Command}, sess.Args...)
	}
	req := SpawnRequest{
		SessionID: id,
		Cwd:       sess.Cwd,
		Command:   command,
		Env:       sess.Env,
		Cols:      sess.Cols,
		Rows:      sess.Rows,
	}
	r.mu.Unlock()

	if err := r.controller.Spawn(ctx, req); err != nil {
		r.log.Error("Session spawn failed",
			zap.Int("session_id", id),
			zap.Error(err))
		r.notifyOutput(id, []byte(fmt.Sprintf("\r\n%s\r\n", err)))
		r.Dispose(ctx, id, "spawn failed")
		return err
	}

	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		sess.State = StateRunning
	}
	r.mu.Unlock()

	r.publishEvent(events.SessionRunning, map[string]interface{}{
		"session_id": id,
	})
	return nil
}

// Dispose tears a session down: pending flush cancelled, output buffer
// dropped, process terminated, id released last. Disposing twice is a
// no-op.
func (r *SessionRegistry) Dispose(ctx context.Context, id int, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.State == StateDisposed {
		r.mu.Unlock()
		return
	}
	sess.State = StateDisposed
	r.mu.Unlock()

	r.flow.Dispose(id)
	r.controller.Terminate(ctx, id)

	r.notifyDispose(id, reason)
	r.publishEvent(events.SessionDisposed, map[string]interface{}{
		"session_id": id,
		"reason":     reason,
	})

	// The id returns to the pool only after teardown finished.
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.creating, id)
	r.mu.Unlock()

	r.log.Info("Session disposed",
		zap.Int("session_id", id),
		zap.String("reason", reason))
}

// DisposeAll tears down every session, lowest id first.
func (r *SessionRegistry) DisposeAll(ctx context.Context, reason string) {
	for _, snap := range r.List() {
		r.Dispose(ctx, snap.ID, reason)
	}
}

// HandleExit records a session process exit. The record flips to Exited,
// the session is torn down, and only then is the exit published, so a
// persistence subscriber sees the registry without the dead session and
// drops it from durable state instead of resurrecting it on restart.
func (r *SessionRegistry) HandleExit(sessionID, exitCode int, signalName string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok || sess.State == StateDisposed {
		r.mu.Unlock()
		return
	}
	sess.State = StateExited
	sess.ExitCode = &exitCode
	r.mu.Unlock()

	// Push out whatever the shell said on its way down.
	r.flow.Flush(sessionID)

	reason := fmt.Sprintf("process exited with code %d", exitCode)
	if signalName != "" {
		reason = fmt.Sprintf("process terminated by %s", signalName)
	}
	r.Dispose(context.Background(), sessionID, reason)

	r.publishEvent(events.SessionExited, map[string]interface{}{
		"session_id": sessionID,
		"exit_code":  exitCode,
		"signal":     signalName,
	})
}

// Resize records the new geometry and applies it to the PTY. The last
// resize in a burst wins; the controller skips a repeat of the current
// geometry.
func (r *SessionRegistry) Resize(id int, cols, rows uint16) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Cols = cols
	sess.Rows = rows
	state := sess.State
	r.mu.Unlock()

	if state != StateSpawning && state != StateRunning {
		// No process yet; the recorded geometry is used at spawn.
		return nil
	}
	return r.controller.Resize(id, cols, rows)
}

// Get returns the wire snapshot of one session.
func (r *SessionRegistry) Get(id int) (protocol.SessionSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return protocol.SessionSnapshot{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all sessions in ascending id order.
func (r *SessionRegistry) List() []protocol.SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]protocol.SessionSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id].snapshot())
	}
	return out
}

// lowestFreeIDLocked returns the smallest unallocated id, or 0 when the
// pool is exhausted.
func (r *SessionRegistry) lowestFreeIDLocked() int {
	for id := 1; id <= r.cfg.MaxSessions; id++ {
		if _, exists := r.sessions[id]; exists {
			continue
		}
		if r.creating[id] {
			continue
		}
		return id
	}
	return 0
}

func (r *SessionRegistry) clearCreating(id int) {
	r.mu.Lock()
	delete(r.creating, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) publishEvent(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "registry", data)
	if err := r.bus.Publish(context.Background(), subject, event); err != nil {
		r.log.Error("Failed to publish session event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (r *SessionRegistry) notifyCreate(snap protocol.SessionSnapshot, restored bool) {
	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.NotifyCreate(snap, restored)
	}
}

func (r *SessionRegistry) notifyOutput(sessionID int, data []byte) {
	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.NotifyOutput(sessionID, data)
	}
}

func (r *SessionRegistry) notifyDispose(sessionID int, reason string) {
	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.NotifyDispose(sessionID, reason)
	}
}
