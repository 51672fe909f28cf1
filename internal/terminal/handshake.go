package terminal

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
)

// HandshakeState orders the phases of the surface handshake. Gate checks
// compare states, so the phases must stay sequential.
type HandshakeState int

const (
	// HandshakeDisconnected means no surface handshake is in progress.
	HandshakeDisconnected HandshakeState = iota
	// HandshakeReadySignalSent means the surface announced itself.
	HandshakeReadySignalSent
	// HandshakeAcknowledged means the engine replied with its live sessions.
	HandshakeAcknowledged
	// HandshakeRestoringSessions means persisted sessions are being rebuilt.
	HandshakeRestoringSessions
	// HandshakeActive means the handshake completed.
	HandshakeActive
)

// String returns the state name used in logs.
func (s HandshakeState) String() string {
	switch s {
	case HandshakeDisconnected:
		return "disconnected"
	case HandshakeReadySignalSent:
		return "ready_signal_sent"
	case HandshakeAcknowledged:
		return "acknowledged"
	case HandshakeRestoringSessions:
		return "restoring_sessions"
	case HandshakeActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// HandshakeCoordinator tracks the at-most-once initialization protocol
// between the engine and the display surface. It owns two gates: session
// creation opens once the surface has acknowledged the session list, and
// output flushing opens once restore has begun. When no surface shows up
// within the ready window the coordinator falls back to a degraded
// local-echo mode so sessions keep working headless.
type HandshakeCoordinator struct {
	log          *logger.Logger
	readyTimeout time.Duration

	mu         sync.RWMutex
	state      HandshakeState
	degraded   bool
	readyTimer *time.Timer
	flushHook  func()
}

// NewHandshakeCoordinator creates a coordinator in the disconnected state.
// Call Start to arm the degraded-mode fallback.
func NewHandshakeCoordinator(cfg config.HandshakeConfig, log *logger.Logger) *HandshakeCoordinator {
	return &HandshakeCoordinator{
		log:          log,
		readyTimeout: cfg.ReadyTimeoutDuration(),
		state:        HandshakeDisconnected,
	}
}

// SetFlushGateHook registers the callback fired whenever the flush gate
// opens. The engine uses it to drain output buffered during the handshake.
func (h *HandshakeCoordinator) SetFlushGateHook(fn func()) {
	h.mu.Lock()
	h.flushHook = fn
	h.mu.Unlock()
}

// Start arms the degraded-mode fallback. If no surface sends its ready
// signal within the configured window the engine proceeds without one.
func (h *HandshakeCoordinator) Start() {
	h.mu.Lock()
	h.armReadyTimerLocked()
	h.mu.Unlock()
}

// Stop cancels the fallback timer.
func (h *HandshakeCoordinator) Stop() {
	h.mu.Lock()
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
	h.mu.Unlock()
}

// SurfaceConnected resets the handshake for a fresh surface connection.
// Sessions keep running; only the handshake restarts.
func (h *HandshakeCoordinator) SurfaceConnected() {
	h.mu.Lock()
	h.state = HandshakeDisconnected
	h.degraded = false
	h.armReadyTimerLocked()
	h.mu.Unlock()
	h.log.Info("Surface connected, awaiting ready signal")
}

// SurfaceDisconnected drops the handshake back to the initial state. Live
// sessions are unaffected; flushes stop until a surface returns or the
// fallback window elapses again.
func (h *HandshakeCoordinator) SurfaceDisconnected() {
	h.mu.Lock()
	h.state = HandshakeDisconnected
	h.degraded = false
	h.armReadyTimerLocked()
	h.mu.Unlock()
	h.log.Info("Surface disconnected, handshake reset")
}

// ReadyReceived handles the surface's ready signal. A genuine ready also
// leaves degraded mode and runs the normal sequence.
func (h *HandshakeCoordinator) ReadyReceived() error {
	h.mu.Lock()
	if h.state != HandshakeDisconnected {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("ready signal in handshake state %s", state)
	}
	wasDegraded := h.degraded
	h.degraded = false
	h.state = HandshakeReadySignalSent
	if h.readyTimer != nil {
		h.readyTimer.Stop()
		h.readyTimer = nil
	}
	h.mu.Unlock()

	if wasDegraded {
		h.log.Info("Surface ready received, leaving degraded mode")
	}
	return nil
}

// Acknowledged records that the engine sent its session list to the
// surface. Opens the spawn gate.
func (h *HandshakeCoordinator) Acknowledged() error {
	return h.advance(HandshakeReadySignalSent, HandshakeAcknowledged)
}

// RestoreStarted records that session restore began. Opens the flush gate.
func (h *HandshakeCoordinator) RestoreStarted() error {
	if err := h.advance(HandshakeAcknowledged, HandshakeRestoringSessions); err != nil {
		return err
	}
	h.fireFlushHook()
	return nil
}

// RestoreCompleted marks the handshake fully done.
func (h *HandshakeCoordinator) RestoreCompleted() error {
	return h.advance(HandshakeRestoringSessions, HandshakeActive)
}

// State returns the current handshake state.
func (h *HandshakeCoordinator) State() HandshakeState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Degraded reports whether the engine is running without a surface.
func (h *HandshakeCoordinator) Degraded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.degraded
}

// AllowSpawn reports whether session creation may proceed: the surface has
// acknowledged the session list, or the engine runs degraded.
func (h *HandshakeCoordinator) AllowSpawn() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.degraded || h.state >= HandshakeAcknowledged
}

// AllowFlush reports whether output may leave the engine: restore has
// begun, or the engine runs degraded.
func (h *HandshakeCoordinator) AllowFlush() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.degraded || h.state >= HandshakeRestoringSessions
}

func (h *HandshakeCoordinator) advance(from, to HandshakeState) error {
	h.mu.Lock()
	if h.state != from {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("handshake cannot advance to %s from %s", to, state)
	}
	h.state = to
	h.mu.Unlock()

	h.log.Debug("Handshake advanced", zap.String("state", to.String()))
	return nil
}

func (h *HandshakeCoordinator) fireFlushHook() {
	h.mu.RLock()
	hook := h.flushHook
	h.mu.RUnlock()
	if hook != nil {
		hook()
	}
}

// armReadyTimerLocked schedules the degraded-mode fallback, replacing any
// previous timer.
func (h *HandshakeCoordinator) armReadyTimerLocked() {
	if h.readyTimer != nil {
		h.readyTimer.Stop()
	}
	if h.readyTimeout <= 0 {
		h.readyTimer = nil
		return
	}
	h.readyTimer = time.AfterFunc(h.readyTimeout, h.readyTimeoutExpired)
}

// readyTimeoutExpired enters degraded local-echo mode: both gates behave as
// if the handshake completed, scrollback captures come from the mirror, and
// nothing is delivered to a surface.
func (h *HandshakeCoordinator) readyTimeoutExpired() {
	h.mu.Lock()
	if h.state != HandshakeDisconnected || h.degraded {
		h.mu.Unlock()
		return
	}
	h.degraded = true
	h.readyTimer = nil
	h.mu.Unlock()

	h.log.Warn("Handshake timed out, continuing in degraded mode",
		zap.Error(&HandshakeTimeout{Waited: h.readyTimeout}))
	h.fireFlushHook()
}
