// Package scrollback captures, persists and restores terminal session
// state across engine restarts.
//
// Serializer owns the capture pipeline: ask the surface for scrollback,
// fall back to the mirror, and read/write the versioned state document.

package scrollback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/termd/internal/common/config"
	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/events"
	"github.com/kandev/termd/internal/events/bus"
	"github.com/kandev/termd/pkg/protocol"
)

// persistVersion is the state document layout written by this build.
// Documents with any other version are discarded on restore.
const persistVersion = 1

// restoredMarker separates replayed history from the fresh shell's output.
const restoredMarker = "\x1b[2m[session restored]\x1b[0m"

// Record is one session's captured state inside the persisted document.
// Lines holds at most scrollback.maxLines entries, most recent last.
type Record struct {
	SessionID  int       `json:"id"`
	Cwd        string    `json:"cwd"`
	Cols       uint16    `json:"cols"`
	Rows       uint16    `json:"rows"`
	CreatedAt  time.Time `json:"createdAt"`
	Lines      []string  `json:"scrollback"`
	CapturedAt time.Time `json:"capturedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// document is the single persisted payload: every live session in one blob.
type document struct {
	Version  int      `json:"version"`
	Sessions []Record `json:"sessions"`
}

// PersistCorruption reports persisted state this build cannot read. It is
// logged and treated as an empty restore, never returned to callers.
type PersistCorruption struct {
	Version int
	Err     error
}

func (e *PersistCorruption) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminal state unreadable: %v", e.Err)
	}
	return fmt.Sprintf("terminal state version %d is not supported", e.Version)
}

func (e *PersistCorruption) Unwrap() error { return e.Err }

// SessionSource lists the live sessions eligible for capture.
type SessionSource interface {
	List() []protocol.SessionSnapshot
}

// QuerySender asks the attached surface for a session's scrollback, at most
// limit lines. It returns false when no surface can answer right now; the
// reply itself arrives later through DeliverReply.
type QuerySender func(sessionID, limit int) bool

// Serializer captures per-session scrollback and persists it, together with
// session metadata, as one versioned document.
type Serializer struct {
	log     *logger.Logger
	cfg     config.ScrollbackConfig
	store   *Store
	source  SessionSource
	bus     bus.EventBus
	mirrors *MirrorSet

	senderMu sync.RWMutex
	sender   QuerySender

	mu      sync.Mutex
	records map[int]*Record
	pending map[int]chan []string
}

// NewSerializer creates a serializer over the given store and session source.
func NewSerializer(cfg config.ScrollbackConfig, store *Store, source SessionSource, eventBus bus.EventBus, log *logger.Logger) *Serializer {
	return &Serializer{
		log:     log,
		cfg:     cfg,
		store:   store,
		source:  source,
		bus:     eventBus,
		mirrors: NewMirrorSet(),
		records: make(map[int]*Record),
		pending: make(map[int]chan []string),
	}
}

// SetQuerySender installs the outbound path for scrollback queries. Passing
// nil (surface gone) makes captures fall back to the mirror immediately.
func (s *Serializer) SetQuerySender(sender QuerySender) {
	s.senderMu.Lock()
	s.sender = sender
	s.senderMu.Unlock()
}

// TrackSession starts mirroring a session at the given geometry.
func (s *Serializer) TrackSession(sessionID, cols, rows int) {
	s.mirrors.Track(sessionID, cols, rows)
}

// FeedMirror routes one raw PTY output chunk to the session's mirror.
func (s *Serializer) FeedMirror(sessionID int, data []byte) {
	s.mirrors.Feed(sessionID, data)
}

// ResizeMirror follows a session resize.
func (s *Serializer) ResizeMirror(sessionID, cols, rows int) {
	s.mirrors.Resize(sessionID, cols, rows)
}

// DropSession forgets a session's mirror and captured record. Called on
// dispose; the next persist then drops the session from durable state.
func (s *Serializer) DropSession(sessionID int) {
	s.mirrors.Drop(sessionID)
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
}

// Capture snapshots one session's scrollback, overwriting the previous
// record for that id. The attached surface is asked first; when none is
// attached or it does not answer within the query timeout, the session's
// mirror supplies the trailing screen lines instead. Returns nil without
// error when the session is no longer registered.
func (s *Serializer) Capture(ctx context.Context, sessionID int) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, ok := s.lookup(sessionID)
	if !ok {
		return nil, nil
	}

	lines, ok := s.querySurface(ctx, sessionID)
	if !ok {
		lines = s.mirrors.Lines(sessionID, s.cfg.MaxLines)
	}
	if len(lines) > s.cfg.MaxLines {
		lines = lines[len(lines)-s.cfg.MaxLines:]
	}
	if lines == nil {
		lines = []string{}
	}

	now := time.Now().UTC()
	rec := &Record{
		SessionID:  snap.ID,
		Cwd:        snap.Cwd,
		Cols:       snap.Cols,
		Rows:       snap.Rows,
		CreatedAt:  snap.CreatedAt,
		Lines:      lines,
		CapturedAt: now,
		ExpiresAt:  now.Add(s.cfg.Expiration()),
	}
	s.mu.Lock()
	s.records[sessionID] = rec
	s.mu.Unlock()
	return rec, nil
}

// DeliverReply hands a scrollbackReply from the surface to the capture
// waiting for it. Replies nobody is waiting for are dropped.
func (s *Serializer) DeliverReply(sessionID int, lines []string) {
	s.mu.Lock()
	ch, ok := s.pending[sessionID]
	if ok {
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- lines:
	default:
	}
}

// querySurface sends a scrollback query and waits for the matching reply.
// The pending channel is registered before the send so a reply racing back
// on the read pump cannot be lost.
func (s *Serializer) querySurface(ctx context.Context, sessionID int) ([]string, bool) {
	s.senderMu.RLock()
	sender := s.sender
	s.senderMu.RUnlock()
	if sender == nil {
		return nil, false
	}

	ch := make(chan []string, 1)
	s.mu.Lock()
	s.pending[sessionID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending[sessionID] == ch {
			delete(s.pending, sessionID)
		}
		s.mu.Unlock()
	}()

	if !sender(sessionID, s.cfg.MaxLines) {
		return nil, false
	}

	select {
	case lines := <-ch:
		return lines, true
	case <-time.After(s.cfg.QueryTimeoutDuration()):
		s.log.Debug("Scrollback query timed out, using mirror",
			zap.Int("session_id", sessionID))
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Persist captures every live session concurrently and writes the whole
// state as one versioned document. Sessions disposed mid-capture simply
// drop out of the document.
func (s *Serializer) Persist(ctx context.Context) error {
	snaps := s.source.List()

	g, gctx := errgroup.WithContext(ctx)
	for _, snap := range snaps {
		snap := snap
		g.Go(func() error {
			_, err := s.Capture(gctx, snap.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("capture sessions: %w", err)
	}

	doc := document{Version: persistVersion, Sessions: []Record{}}
	s.mu.Lock()
	for _, snap := range snaps {
		if rec, ok := s.records[snap.ID]; ok {
			doc.Sessions = append(doc.Sessions, *rec)
		}
	}
	s.mu.Unlock()

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode terminal state: %w", err)
	}
	if err := s.store.Save(ctx, string(payload)); err != nil {
		return err
	}

	s.log.Debug("Terminal state persisted",
		zap.Int("sessions", len(doc.Sessions)),
		zap.Int("bytes", len(payload)))
	s.publish(events.ScrollbackPersisted, map[string]interface{}{
		"sessions": len(doc.Sessions),
	})
	return nil
}

// Restore loads the persisted document and returns the records still worth
// replaying, in originally-captured order. Corrupt or unknown-version state
// is discarded with a warning; the caller always gets a usable, possibly
// empty, list.
func (s *Serializer) Restore(ctx context.Context) ([]Record, error) {
	payload, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if payload == "" {
		return nil, nil
	}

	var doc document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		s.log.Warn("Discarding unreadable terminal state",
			zap.Error(&PersistCorruption{Err: err}))
		return nil, nil
	}
	if doc.Version != persistVersion {
		s.log.Warn("Discarding terminal state with unknown version",
			zap.Error(&PersistCorruption{Version: doc.Version}))
		return nil, nil
	}

	now := time.Now()
	records := make([]Record, 0, len(doc.Sessions))
	expired := 0
	for _, rec := range doc.Sessions {
		// A record expiring exactly now is already gone.
		if !rec.ExpiresAt.After(now) {
			expired++
			continue
		}
		records = append(records, rec)
	}

	s.log.Info("Terminal state loaded",
		zap.Int("restorable", len(records)),
		zap.Int("expired", expired))
	s.publish(events.ScrollbackRestored, map[string]interface{}{
		"sessions": len(records),
		"expired":  expired,
	})
	return records, nil
}

// FormatReplay renders a restored record as terminal output: the stored
// lines joined with CRLF, then a dim marker line. The replay is written to
// the surface before the fresh shell prints its first prompt so the two do
// not interleave.
func FormatReplay(rec *Record) []byte {
	var b strings.Builder
	for _, line := range rec.Lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString(restoredMarker)
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (s *Serializer) lookup(sessionID int) (protocol.SessionSnapshot, bool) {
	for _, snap := range s.source.List() {
		if snap.ID == sessionID {
			return snap, true
		}
	}
	return protocol.SessionSnapshot{}, false
}

func (s *Serializer) publish(subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "scrollback", data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.log.Error("Failed to publish scrollback event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
