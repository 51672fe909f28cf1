// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// Engine wires the components together and is the single entry point for
// the websocket gateway and the HTTP API.

package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/events"
	"github.com/kandev/termd/internal/events/bus"
	"github.com/kandev/termd/internal/scrollback"
	"github.com/kandev/termd/pkg/protocol"
)

// SurfaceSender is the outbound half of an attached display surface. Send
// enqueues one message without blocking and reports whether it was
// accepted; the engine drops what the surface cannot take.
type SurfaceSender interface {
	Send(msg *protocol.Message) bool
}

// Engine owns one terminal session engine instance: registry, PTY
// controller, flow control, handshake and scrollback persistence, wired
// together. At most one display surface is attached at a time.
type Engine struct {
	log        *logger.Logger
	cfg        *config.Config
	handshake  *HandshakeCoordinator
	detector   ActivityDetector
	flow       *FlowController
	controller *PtyProcessController
	registry   *SessionRegistry
	serializer *scrollback.Serializer
	bus        bus.EventBus

	senderMu sync.RWMutex
	sender   SurfaceSender

	confirmMu       sync.Mutex
	pendingConfirms map[int]chan struct{}
}

// NewEngine builds the full component graph from the configuration and
// wires every cross-component path: flow output into the surface, PTY
// output into the mirror, process exits into the registry, the flush gate
// into the flow controller, and scrollback queries out to the surface.
func NewEngine(cfg *config.Config, store *scrollback.Store, eventBus bus.EventBus, log *logger.Logger) *Engine {
	e := &Engine{
		log:             log,
		cfg:             cfg,
		bus:             eventBus,
		pendingConfirms: make(map[int]chan struct{}),
	}

	e.handshake = NewHandshakeCoordinator(cfg.Handshake, log)
	e.detector = NewAgentLaunchDetector(cfg.Flow.LowLatencyQuietPeriod())
	e.flow = NewFlowController(cfg.Flow, e.detector, nil, e.handshake.AllowFlush, eventBus, log)
	e.controller = NewPtyProcessController(cfg.Terminal, e.flow, log)
	e.registry = NewSessionRegistry(cfg.Terminal, e.controller, e.flow, e.handshake, eventBus, log)
	e.serializer = scrollback.NewSerializer(cfg.Scrollback, store, e.registry, eventBus, log)

	e.flow.SetSink(e.deliverOutput)
	e.controller.SetOutputObserver(e.serializer.FeedMirror)
	e.controller.SetSurfaceCheck(e.attached)
	e.controller.SetExitCallback(e.registry.HandleExit)
	e.registry.SetNotifier(e)
	e.handshake.SetFlushGateHook(e.flow.FlushAll)
	e.serializer.SetQuerySender(e.sendScrollbackQuery)

	return e
}

// Start arms the handshake clock. Sessions cannot spawn until a surface
// completes the handshake or the ready timeout degrades the engine.
func (e *Engine) Start() {
	e.handshake.Start()
}

// Shutdown persists the current state, then tears every session down. The
// persist runs first so a restart can restore what was live.
func (e *Engine) Shutdown(ctx context.Context) {
	if err := e.serializer.Persist(ctx); err != nil {
		e.log.Error("Final persist failed", zap.Error(err))
	}
	e.registry.DisposeAll(ctx, "server shutting down")
	e.handshake.Stop()
}

// Persist captures and stores the current session state.
func (e *Engine) Persist(ctx context.Context) error {
	return e.serializer.Persist(ctx)
}

// SurfaceConnected attaches a display surface and restarts the handshake.
// A surface that replaces another one starts from ready again.
func (e *Engine) SurfaceConnected(sender SurfaceSender) {
	e.senderMu.Lock()
	e.sender = sender
	e.senderMu.Unlock()

	e.handshake.SurfaceConnected()
	e.publish(events.SurfaceConnected, map[string]interface{}{})
}

// SurfaceDisconnected detaches the surface. Sessions keep running; output
// accumulates in the flow buffers until a surface completes the next
// handshake or the engine degrades.
func (e *Engine) SurfaceDisconnected() {
	e.senderMu.Lock()
	e.sender = nil
	e.senderMu.Unlock()

	e.handshake.SurfaceDisconnected()
	e.publish(events.SurfaceDisconnected, map[string]interface{}{})
}

// HandleFrame dispatches one decoded surface message. The kind set is
// closed; backend-originated kinds arriving inbound are protocol errors.
func (e *Engine) HandleFrame(ctx context.Context, msg *protocol.Message) error {
	switch msg.Kind {
	case protocol.KindReady:
		return e.handleReady()

	case protocol.KindRestoreRequest:
		if err := e.handshake.RestoreStarted(); err != nil {
			return err
		}
		go e.runRestore(context.Background())
		return nil

	case protocol.KindCreateConfirmed:
		var p protocol.CreateConfirmedPayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		e.confirmCreate(p.SessionID)
		return nil

	case protocol.KindInput:
		var p protocol.InputPayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		data := []byte(p.Data)
		// Input bypasses flow control entirely; it goes straight to the PTY.
		e.detector.ObserveInput(p.SessionID, data)
		return e.controller.Write(p.SessionID, data)

	case protocol.KindResize:
		var p protocol.ResizePayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		if err := e.registry.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
			return err
		}
		e.serializer.ResizeMirror(p.SessionID, int(p.Cols), int(p.Rows))
		return nil

	case protocol.KindDispose:
		var p protocol.DisposePayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		reason := p.Reason
		if reason == "" {
			reason = "surface request"
		}
		e.registry.Dispose(ctx, p.SessionID, reason)
		return nil

	case protocol.KindScrollbackReply:
		var p protocol.ScrollbackReplyPayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		e.serializer.DeliverReply(p.SessionID, p.Lines)
		return nil

	case protocol.KindAck, protocol.KindCreate, protocol.KindOutput, protocol.KindScrollbackQuery:
		return fmt.Errorf("kind %q is not valid from the surface", msg.Kind)
	}
	return fmt.Errorf("%w: %q", protocol.ErrUnknownKind, msg.Kind)
}

// handleReady runs the ready/ack exchange: accept the ready signal, send
// the current session list, and open the spawn gate.
func (e *Engine) handleReady() error {
	if err := e.handshake.ReadyReceived(); err != nil {
		return err
	}
	ack, err := protocol.NewAck(e.registry.List())
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	if !e.send(ack) {
		return fmt.Errorf("surface went away before ack")
	}
	return e.handshake.Acknowledged()
}

// CreateSession allocates and spawns a fresh session for the HTTP API.
func (e *Engine) CreateSession(ctx context.Context, req CreateRequest) (protocol.SessionSnapshot, error) {
	return e.registry.Create(ctx, req)
}

// Sessions lists the live sessions.
func (e *Engine) Sessions() []protocol.SessionSnapshot {
	return e.registry.List()
}

// GetSession returns one live session.
func (e *Engine) GetSession(id int) (protocol.SessionSnapshot, error) {
	return e.registry.Get(id)
}

// DisposeSession terminates one session on behalf of the HTTP API.
func (e *Engine) DisposeSession(ctx context.Context, id int) error {
	if _, err := e.registry.Get(id); err != nil {
		return err
	}
	e.registry.Dispose(ctx, id, "api request")
	return nil
}

// HandshakeState returns the current handshake state for health reporting.
func (e *Engine) HandshakeState() HandshakeState {
	return e.handshake.State()
}

// Degraded reports whether the engine runs without a ready surface.
func (e *Engine) Degraded() bool {
	return e.handshake.Degraded()
}

// NotifyCreate announces a session to the surface and starts its mirror.
// The mirror is tracked even with no surface attached, so degraded-mode
// sessions still capture scrollback.
func (e *Engine) NotifyCreate(snap protocol.SessionSnapshot, restored bool) {
	e.serializer.TrackSession(snap.ID, int(snap.Cols), int(snap.Rows))
	if !e.attached() {
		return
	}
	msg, err := protocol.NewCreate(snap.ID, snap.Cols, snap.Rows, snap.Cwd, restored)
	if err != nil {
		e.log.Error("Failed to encode create message", zap.Error(err))
		return
	}
	e.send(msg)
}

// NotifyOutput carries registry-originated output, such as the one
// diagnostic line of a failed spawn. The flush gate applies to it like to
// any buffered output.
func (e *Engine) NotifyOutput(sessionID int, data []byte) {
	if !e.handshake.AllowFlush() {
		return
	}
	e.deliverOutput(sessionID, data)
}

// NotifyDispose announces a session teardown and drops its captured state.
func (e *Engine) NotifyDispose(sessionID int, reason string) {
	e.serializer.DropSession(sessionID)
	if !e.attached() {
		return
	}
	msg, err := protocol.NewDispose(sessionID, reason)
	if err != nil {
		e.log.Error("Failed to encode dispose message", zap.Error(err))
		return
	}
	e.send(msg)
}

// runRestore replays persisted sessions one by one, then completes the
// handshake. Runs on its own goroutine: the surface's confirmations arrive
// on the same read pump that delivered the restore request, so doing this
// inline would deadlock.
func (e *Engine) runRestore(ctx context.Context) {
	records, err := e.serializer.Restore(ctx)
	if err != nil {
		e.log.Error("Restore failed, continuing with no prior sessions", zap.Error(err))
		records = nil
	}

	for _, rec := range records {
		e.restoreSession(ctx, rec)
	}

	if err := e.handshake.RestoreCompleted(); err != nil {
		// The surface went away mid-restore; the next one starts over.
		e.log.Warn("Handshake did not complete after restore", zap.Error(err))
	}
}

// restoreSession brings one persisted session back under its original id:
// reserve, wait for the surface to confirm the pane, replay the stored
// scrollback, then spawn the fresh shell so its prompt lands after the
// replay.
func (e *Engine) restoreSession(ctx context.Context, rec scrollback.Record) {
	confirm := e.registerConfirm(rec.SessionID)
	defer e.unregisterConfirm(rec.SessionID)

	if _, err := e.registry.Reserve(ctx, rec.SessionID, rec.Cwd, rec.Cols, rec.Rows); err != nil {
		e.log.Warn("Could not reserve restored session",
			zap.Int("session_id", rec.SessionID),
			zap.Error(err))
		return
	}

	select {
	case <-confirm:
	case <-time.After(e.cfg.Handshake.ConfirmTimeoutDuration()):
		e.log.Warn("Surface did not confirm restored session, continuing",
			zap.Int("session_id", rec.SessionID))
	case <-ctx.Done():
		return
	}

	replay := scrollback.FormatReplay(&rec)
	e.deliverOutput(rec.SessionID, replay)
	// The mirror sees the replay too, so the next capture includes it.
	e.serializer.FeedMirror(rec.SessionID, replay)

	if err := e.registry.Spawn(ctx, rec.SessionID); err != nil {
		// Spawn already reported the failure and disposed the session.
		return
	}
}

func (e *Engine) registerConfirm(sessionID int) chan struct{} {
	ch := make(chan struct{}, 1)
	e.confirmMu.Lock()
	e.pendingConfirms[sessionID] = ch
	e.confirmMu.Unlock()
	return ch
}

func (e *Engine) unregisterConfirm(sessionID int) {
	e.confirmMu.Lock()
	delete(e.pendingConfirms, sessionID)
	e.confirmMu.Unlock()
}

func (e *Engine) confirmCreate(sessionID int) {
	e.confirmMu.Lock()
	ch := e.pendingConfirms[sessionID]
	delete(e.pendingConfirms, sessionID)
	e.confirmMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deliverOutput is the flow controller's sink: one flushed payload becomes
// one output message. With no surface attached the payload is dropped; the
// mirror has already seen the raw bytes.
func (e *Engine) deliverOutput(sessionID int, data []byte) {
	msg, err := protocol.NewOutput(sessionID, string(data))
	if err != nil {
		e.log.Error("Failed to encode output message", zap.Error(err))
		return
	}
	e.send(msg)
}

// sendScrollbackQuery asks the attached surface for a session's buffer.
// In degraded mode captures skip the surface and use the mirror directly.
func (e *Engine) sendScrollbackQuery(sessionID, limit int) bool {
	if e.handshake.Degraded() {
		return false
	}
	msg, err := protocol.NewScrollbackQuery(sessionID, limit)
	if err != nil {
		return false
	}
	return e.send(msg)
}

func (e *Engine) attached() bool {
	e.senderMu.RLock()
	defer e.senderMu.RUnlock()
	return e.sender != nil
}

func (e *Engine) send(msg *protocol.Message) bool {
	e.senderMu.RLock()
	sender := e.sender
	e.senderMu.RUnlock()
	if sender == nil {
		return false
	}
	return sender.Send(msg)
}

func (e *Engine) publish(subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "engine", data)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.log.Error("Failed to publish engine event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
