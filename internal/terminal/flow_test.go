package terminal

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// collectSink records flushed payloads with their session ids, in order.
type collectSink struct {
	mu       sync.Mutex
	sessions []int
	payloads [][]byte
}

func (s *collectSink) sink(sessionID int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
	s.payloads = append(s.payloads, append([]byte(nil), data...))
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *collectSink) payload(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[i]
}

func (s *collectSink) joinedFor(sessionID int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for i, id := range s.sessions {
		if id == sessionID {
			out = append(out, s.payloads[i]...)
		}
	}
	return out
}

// stubDetector is a test detector with a switchable flag.
type stubDetector struct {
	mu     sync.Mutex
	active bool
}

func (d *stubDetector) ObserveInput(sessionID int, data []byte) {}

func (d *stubDetector) ObserveOutput(sessionID int) {}

func (d *stubDetector) Active(sessionID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *stubDetector) Drop(sessionID int) {}

func (d *stubDetector) set(active bool) {
	d.mu.Lock()
	d.active = active
	d.mu.Unlock()
}

// testGate is a hand-operated flush gate.
type testGate struct {
	mu   sync.Mutex
	open bool
}

func (g *testGate) check() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *testGate) set(open bool) {
	g.mu.Lock()
	g.open = open
	g.mu.Unlock()
}

func testFlowConfig() config.FlowConfig {
	return config.FlowConfig{
		FlushIntervalMs:     10,
		LargeChunkBytes:     500,
		TinyChunkBytes:      10,
		MaxBufferedChunks:   50,
		HighWatermarkBytes:  128 * 1024,
		LowWatermarkBytes:   64 * 1024,
		BackpressureCheckMs: 10,
		LowLatencyQuietMs:   2000,
	}
}

func newTestFlow(t *testing.T, cfg config.FlowConfig, detector ActivityDetector, gate func() bool) (*FlowController, *collectSink) {
	t.Helper()
	sink := &collectSink{}
	flow := NewFlowController(cfg, detector, sink.sink, gate, nil, newTestLogger(t))
	flow.Register(1)
	return flow, sink
}

func midChunk(i int) []byte {
	// Between the tiny and large thresholds so only the timer or the item
	// cap can flush it.
	return []byte(fmt.Sprintf("chunk-%04d-%s\n", i, bytes.Repeat([]byte("x"), 80)))
}

func TestFlowFIFORoundTrip(t *testing.T) {
	flow, sink := newTestFlow(t, testFlowConfig(), nil, nil)

	// Mix of tiny (immediate), mid (batched) and large (direct) chunks.
	var want []byte
	for i := 0; i < 200; i++ {
		var chunk []byte
		switch i % 4 {
		case 0:
			chunk = []byte(fmt.Sprintf("k%03d\n", i)) // tiny
		case 1, 3:
			chunk = midChunk(i)
		case 2:
			chunk = bytes.Repeat([]byte{byte('a' + i%26)}, 600) // large
		}
		want = append(want, chunk...)
		flow.Submit(1, chunk)
	}

	// Let any armed timer fire, then force out the remainder.
	time.Sleep(50 * time.Millisecond)
	flow.Flush(1)

	got := sink.joinedFor(1)
	if !bytes.Equal(got, want) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
	}
}

func TestFlowSessionsDoNotInterleave(t *testing.T) {
	flow, sink := newTestFlow(t, testFlowConfig(), nil, nil)
	flow.Register(2)

	var want1, want2 []byte
	for i := 0; i < 60; i++ {
		c1 := []byte(fmt.Sprintf("one-%03d|", i))
		c2 := []byte(fmt.Sprintf("two-%03d|", i))
		want1 = append(want1, c1...)
		want2 = append(want2, c2...)
		flow.Submit(1, c1)
		flow.Submit(2, c2)
	}

	time.Sleep(50 * time.Millisecond)
	flow.Flush(1)
	flow.Flush(2)

	if got := sink.joinedFor(1); !bytes.Equal(got, want1) {
		t.Errorf("session 1 stream corrupted: got %q", got)
	}
	if got := sink.joinedFor(2); !bytes.Equal(got, want2) {
		t.Errorf("session 2 stream corrupted: got %q", got)
	}
}

func TestFlowItemCapBoundary(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = int(time.Hour / time.Millisecond) // timer never fires
	flow, sink := newTestFlow(t, cfg, nil, nil)

	// N-1 chunks stay buffered.
	for i := 0; i < cfg.MaxBufferedChunks-1; i++ {
		flow.Submit(1, midChunk(i))
	}
	if got := sink.count(); got != 0 {
		t.Fatalf("expected no flush below the item cap, got %d", got)
	}

	// The Nth chunk forces a single joined flush.
	flow.Submit(1, midChunk(cfg.MaxBufferedChunks-1))
	if got := sink.count(); got != 1 {
		t.Fatalf("expected exactly one flush at the item cap, got %d", got)
	}

	// N+1 starts a fresh buffer; the cap is never exceeded.
	for i := 0; i < cfg.MaxBufferedChunks; i++ {
		flow.Submit(1, midChunk(100+i))
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("expected the second flush exactly at the cap, got %d", got)
	}
}

func TestFlowLargeChunkRidesAlone(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = int(time.Hour / time.Millisecond)
	flow, sink := newTestFlow(t, cfg, nil, nil)

	small := bytes.Repeat([]byte("s"), 200)
	big := bytes.Repeat([]byte("B"), 600)

	flow.Submit(1, small)
	if got := sink.count(); got != 0 {
		t.Fatalf("200-byte chunk should batch, got %d flushes", got)
	}

	flow.Submit(1, big)
	if got := sink.count(); got != 2 {
		t.Fatalf("expected exactly two output messages, got %d", got)
	}
	if !bytes.Equal(sink.payload(0), small) {
		t.Errorf("first message should carry the buffered 200 bytes, got %d bytes", len(sink.payload(0)))
	}
	if !bytes.Equal(sink.payload(1), big) {
		t.Errorf("second message should carry only the 600-byte chunk, got %d bytes", len(sink.payload(1)))
	}
}

func TestFlowTinyChunkFlushesImmediately(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = int(time.Hour / time.Millisecond)
	flow, sink := newTestFlow(t, cfg, nil, nil)

	mid := midChunk(0)
	echo := []byte("h\r\n")
	flow.Submit(1, mid)
	flow.Submit(1, echo)

	if got := sink.count(); got != 1 {
		t.Fatalf("tiny chunk should force a flush, got %d", got)
	}
	want := append(append([]byte(nil), mid...), echo...)
	if !bytes.Equal(sink.payload(0), want) {
		t.Errorf("flush should join pending and tiny chunk in order")
	}
}

func TestFlowGateHoldsOutputUntilOpen(t *testing.T) {
	cfg := testFlowConfig()
	gate := &testGate{}
	flow, sink := newTestFlow(t, cfg, nil, gate.check)

	var want []byte
	chunks := [][]byte{
		[]byte("hi\r\n"),                     // tiny: immediate trigger
		midChunk(1),                          // mid: scheduled
		bytes.Repeat([]byte("L"), 700),       // large: direct trigger
		[]byte(fmt.Sprintf("tail-%d\n", 42)), // tiny again
	}
	for _, c := range chunks {
		want = append(want, c...)
		flow.Submit(1, c)
	}

	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Fatalf("no output may leave while the gate is closed, got %d flushes", got)
	}

	gate.set(true)
	flow.FlushAll()

	if got := sink.count(); got != 1 {
		t.Fatalf("gate release should drain in one flush, got %d", got)
	}
	if !bytes.Equal(sink.payload(0), want) {
		t.Errorf("drained output lost or reordered bytes")
	}
}

func TestFlowWatermarkForcesFlush(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = int(time.Hour / time.Millisecond)
	cfg.HighWatermarkBytes = 1000
	cfg.LowWatermarkBytes = 500
	flow, sink := newTestFlow(t, cfg, nil, nil)

	var want []byte
	for i := 0; i < 10; i++ {
		chunk := bytes.Repeat([]byte{byte('0' + i)}, 101)
		want = append(want, chunk...)
		flow.Submit(1, chunk)
	}

	if got := sink.count(); got != 1 {
		t.Fatalf("crossing the high watermark should force one flush, got %d", got)
	}
	if !bytes.Equal(sink.payload(0), want) {
		t.Errorf("forced flush dropped bytes: got %d, want %d", len(sink.payload(0)), len(want))
	}
}

func TestFlowBackpressurePausesProducerWhileGated(t *testing.T) {
	cfg := testFlowConfig()
	cfg.HighWatermarkBytes = 1000
	cfg.LowWatermarkBytes = 500
	cfg.BackpressureCheckMs = 10
	gate := &testGate{}
	flow, sink := newTestFlow(t, cfg, nil, gate.check)

	for i := 0; i < 11; i++ {
		flow.Submit(1, bytes.Repeat([]byte("p"), 101))
	}
	if got := sink.count(); got != 0 {
		t.Fatalf("gated overflow must not emit output, got %d flushes", got)
	}

	released := make(chan struct{})
	go func() {
		flow.WaitProducer(1)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("producer resumed while the buffer was still above the low watermark")
	case <-time.After(50 * time.Millisecond):
	}

	gate.set(true)
	flow.FlushAll()

	select {
	case <-released:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("producer did not resume after the buffer drained")
	}

	if got := sink.count(); got != 1 {
		t.Fatalf("expected the drained buffer in one flush, got %d", got)
	}
}

func TestFlowLowLatencyFlushesEveryChunk(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = int(time.Hour / time.Millisecond)
	detector := &stubDetector{}
	detector.set(true)
	flow, sink := newTestFlow(t, cfg, detector, nil)

	for i := 0; i < 3; i++ {
		flow.Submit(1, midChunk(i))
	}

	if got := sink.count(); got != 3 {
		t.Fatalf("low-latency mode should flush per chunk, got %d flushes", got)
	}
	for i := 0; i < 3; i++ {
		if !bytes.Equal(sink.payload(i), midChunk(i)) {
			t.Errorf("low-latency flush %d carried wrong bytes", i)
		}
	}
}

func TestFlowDisposeCancelsPendingFlush(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = 20
	flow, sink := newTestFlow(t, cfg, nil, nil)

	flow.Submit(1, midChunk(0))
	flow.Dispose(1)

	time.Sleep(80 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Fatalf("dispose must cancel the scheduled flush, got %d flushes", got)
	}
}

func TestFlowDisposeIsIdempotent(t *testing.T) {
	flow, sink := newTestFlow(t, testFlowConfig(), nil, nil)

	flow.Submit(1, midChunk(0))
	flow.Dispose(1)
	flow.Dispose(1)

	// Submissions after dispose are dropped.
	flow.Submit(1, midChunk(1))
	flow.Flush(1)
	if got := sink.count(); got != 0 {
		t.Fatalf("disposed session must not flush, got %d", got)
	}
}

func TestFlowTimerBatchesBurst(t *testing.T) {
	cfg := testFlowConfig()
	cfg.FlushIntervalMs = 10
	flow, sink := newTestFlow(t, cfg, nil, nil)

	var want []byte
	for i := 0; i < 3; i++ {
		chunk := midChunk(i)
		want = append(want, chunk...)
		flow.Submit(1, chunk)
	}

	time.Sleep(100 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("a tight burst should batch into one flush, got %d", got)
	}
	if !bytes.Equal(sink.payload(0), want) {
		t.Errorf("batched flush lost or reordered bytes")
	}
}
