// Package terminal implements the terminal session engine: PTY process
// lifecycles, adaptive output flow control, and the surface handshake.
//
// FlowController batches PTY output between a fast producer (the shell) and
// a slower message-based consumer (the display surface).

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
)

// FlowSink receives each flushed output payload for one session. It is
// called with the session buffer locked and must not block.
type FlowSink func(sessionID int, data []byte)

// outputBuffer accumulates PTY output chunks for one session between
// flushes. All fields are guarded by mu.
type outputBuffer struct {
	sessionID int

	mu        sync.Mutex
	chunks    [][]byte
	watermark int
	timer     *time.Timer
	timerGen  uint64
	flushAt   time.Time
	pausedAt  time.Time
	paused    bool
	disposed  bool
}

// drain joins the pending chunks into one payload and resets the buffer in
// place so the backing array is reused by later appends.
func (b *outputBuffer) drain() []byte {
	data := make([]byte, 0, b.watermark)
	for i, c := range b.chunks {
		data = append(data, c...)
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:0]
	b.watermark = 0
	return data
}

// FlowController owns the output buffers of all sessions and decides when
// each one flushes. Chunks from one session are never interleaved with
// another session's, and within a session flushes preserve arrival order.
type FlowController struct {
	log      *logger.Logger
	cfg      config.FlowConfig
	gate     func() bool
	detector ActivityDetector
	bus      bus.EventBus

	sinkMu sync.RWMutex
	sink   FlowSink

	flushInterval time.Duration
	checkInterval time.Duration

	mu      sync.RWMutex
	buffers map[int]*outputBuffer
}

// NewFlowController creates the per-session output batcher. sink receives
// every flushed payload and must not block. gate reports whether output may
// leave the engine at all; a nil gate is always open.
func NewFlowController(cfg config.FlowConfig, detector ActivityDetector, sink FlowSink, gate func() bool, eventBus bus.EventBus, log *logger.Logger) *FlowController {
	return &FlowController{
		log:           log,
		cfg:           cfg,
		sink:          sink,
		gate:          gate,
		detector:      detector,
		bus:           eventBus,
		flushInterval: cfg.FlushInterval(),
		checkInterval: cfg.BackpressureCheckInterval(),
		buffers:       make(map[int]*outputBuffer),
	}
}

// SetSink replaces the flush destination. The engine installs its delivery
// path here once the components are wired together; payloads flushed while
// no sink is set are dropped.
func (f *FlowController) SetSink(sink FlowSink) {
	f.sinkMu.Lock()
	f.sink = sink
	f.sinkMu.Unlock()
}

// Register creates the session's output buffer. The registry calls this
// while the session record is being created.
func (f *FlowController) Register(sessionID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[sessionID]; ok {
		return
	}
	f.buffers[sessionID] = &outputBuffer{sessionID: sessionID}
}

// Submit hands one PTY output chunk to the controller. The chunk is either
// sent immediately, joined into a scheduled flush, or held back while the
// handshake gate is closed.
func (f *FlowController) Submit(sessionID int, data []byte) {
	if len(data) == 0 {
		return
	}
	b := f.lookup(sessionID)
	if b == nil {
		return
	}

	if f.detector != nil {
		f.detector.ObserveOutput(sessionID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}

	// The read loop reuses its buffer between reads, so the chunk is copied
	// before it is retained.
	chunk := append([]byte(nil), data...)

	gateOpen := f.gateOpen()
	lowLatency := f.detector != nil && f.detector.Active(sessionID)

	// Large chunks skip the buffer: pending output flushes first so order
	// holds, then the chunk rides out as its own message.
	if gateOpen && !lowLatency && len(chunk) >= f.cfg.LargeChunkBytes {
		f.flushLocked(b)
		f.deliver(b.sessionID, chunk)
		return
	}

	b.chunks = append(b.chunks, chunk)
	b.watermark += len(chunk)

	if b.watermark > f.cfg.HighWatermarkBytes {
		f.overflowLocked(b, gateOpen)
		return
	}

	if lowLatency || len(b.chunks) >= f.cfg.MaxBufferedChunks || len(chunk) <= f.cfg.TinyChunkBytes {
		if gateOpen {
			f.flushLocked(b)
		}
		// Gate closed: chunks stay buffered and drain when the gate opens.
		return
	}

	if gateOpen {
		f.scheduleLocked(b)
	}
}

// Flush forces out the session's pending chunks regardless of scheduling.
// The handshake gate still applies; a gated buffer stays put.
func (f *FlowController) Flush(sessionID int) {
	b := f.lookup(sessionID)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed || !f.gateOpen() {
		return
	}
	f.flushLocked(b)
}

// FlushAll drains every session buffer in ascending session order. The
// engine calls this when the handshake gate opens so output held back
// during the handshake reaches the surface in order.
func (f *FlowController) FlushAll() {
	f.mu.RLock()
	ids := make([]int, 0, len(f.buffers))
	for id := range f.buffers {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	sort.Ints(ids)
	for _, id := range ids {
		f.Flush(id)
	}
}

// WaitProducer blocks the session's read loop while its buffer is paused
// after a watermark overflow. The pause is re-checked at most once per
// backpressure check interval so the gate does not oscillate.
func (f *FlowController) WaitProducer(sessionID int) {
	for {
		b := f.lookup(sessionID)
		if b == nil {
			return
		}
		b.mu.Lock()
		if b.disposed || !b.paused {
			b.mu.Unlock()
			return
		}
		if b.watermark < f.cfg.LowWatermarkBytes && time.Since(b.pausedAt) >= f.checkInterval {
			b.paused = false
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		time.Sleep(f.checkInterval)
	}
}

// Dispose cancels any pending flush and drops the session's buffer.
// Disposing twice is a no-op.
func (f *FlowController) Dispose(sessionID int) {
	f.mu.Lock()
	b := f.buffers[sessionID]
	delete(f.buffers, sessionID)
	f.mu.Unlock()
	if b == nil {
		return
	}

	if f.detector != nil {
		f.detector.Drop(sessionID)
	}

	b.mu.Lock()
	f.cancelTimerLocked(b)
	b.disposed = true
	b.chunks = nil
	b.watermark = 0
	b.paused = false
	b.mu.Unlock()
}

func (f *FlowController) lookup(sessionID int) *outputBuffer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.buffers[sessionID]
}

func (f *FlowController) gateOpen() bool {
	return f.gate == nil || f.gate()
}

// flushLocked cancels any pending timer, joins the buffered chunks into one
// payload and hands it to the sink. No-op on an empty buffer.
func (f *FlowController) flushLocked(b *outputBuffer) {
	f.cancelTimerLocked(b)
	if len(b.chunks) == 0 {
		return
	}
	data := b.drain()
	f.deliver(b.sessionID, data)
}

func (f *FlowController) deliver(sessionID int, data []byte) {
	f.sinkMu.RLock()
	sink := f.sink
	f.sinkMu.RUnlock()
	if sink != nil {
		sink(sessionID, data)
	}
}

// cancelTimerLocked stops the pending flush timer and invalidates any
// callback already in flight.
func (f *FlowController) cancelTimerLocked(b *outputBuffer) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

// scheduleLocked arms the flush timer, keeping whichever deadline is
// earlier. The interval adapts: halved while low-latency mode is active,
// shortened when the buffer is already holding several chunks.
func (f *FlowController) scheduleLocked(b *outputBuffer) {
	delay := f.flushInterval
	if f.detector != nil && f.detector.Active(b.sessionID) {
		delay /= 2
	}
	if len(b.chunks) > 3 {
		delay = delay * 3 / 4
	}

	deadline := time.Now().Add(delay)
	if b.timer != nil {
		if !deadline.Before(b.flushAt) {
			return
		}
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.flushAt = deadline
	b.timer = time.AfterFunc(delay, func() {
		f.flushExpired(b, gen)
	})
}

// flushExpired runs on the timer goroutine. A superseded generation means
// the timer was cancelled or rescheduled while this callback was already in
// flight, which is a legitimate race. The same generation firing for a
// disposed buffer means cancellation was skipped, and the scheduler cannot
// be trusted past that point.
func (f *FlowController) flushExpired(b *outputBuffer, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.timerGen {
		return
	}
	if b.disposed {
		panic(fmt.Sprintf("flow: flush timer fired for disposed session %d", b.sessionID))
	}
	b.timer = nil
	if !f.gateOpen() {
		// The gate drains buffers itself when it opens.
		return
	}
	f.flushLocked(b)
}

// overflowLocked handles the watermark crossing the configured ceiling: the
// producer is paused, the buffer is force-flushed when the gate allows it,
// and the occurrence is logged and published.
func (f *FlowController) overflowLocked(b *outputBuffer, gateOpen bool) {
	overflow := &BackpressureOverflow{
		SessionID: b.sessionID,
		Watermark: b.watermark,
		Limit:     f.cfg.HighWatermarkBytes,
	}
	f.log.Warn("Output buffer crossed the high watermark, pausing producer",
		zap.Int("session_id", b.sessionID),
		zap.Int("watermark", b.watermark),
		zap.Int("limit", f.cfg.HighWatermarkBytes))

	if !b.paused {
		b.paused = true
		b.pausedAt = time.Now()
	}
	if gateOpen {
		f.flushLocked(b)
	}
	f.publishBackpressure(overflow)
}

// publishBackpressure reports the overflow on the event bus. Publishing
// happens on a fresh goroutine: bus handlers run synchronously and must not
// run under the session buffer lock.
func (f *FlowController) publishBackpressure(overflow *BackpressureOverflow) {
	if f.bus == nil {
		return
	}
	go func() {
		event := bus.NewEvent(events.FlowBackpressure, "flow", map[string]interface{}{
			"session_id": overflow.SessionID,
			"watermark":  overflow.Watermark,
			"limit":      overflow.Limit,
		})
		if err := f.bus.Publish(context.Background(), events.FlowBackpressure, event); err != nil {
			f.log.Error("Failed to publish backpressure event", zap.Error(err))
		}
	}()
}
