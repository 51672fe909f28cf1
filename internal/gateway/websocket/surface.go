// Package websocket is the display surface transport: one gorilla
// websocket connection carrying protocol frames between the surface and
// the engine. At most one surface is attached; a newer connection
// supersedes the prior one.
package websocket

import (
	"context"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/terminal"
	"github.com/kandev/termd/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the surface may stay silent before the
	// connection counts as dead.
	pongWait = 60 * time.Second

	// pingPeriod must stay under pongWait so pongs arrive in time.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes bounds one inbound frame. Bulk pastes are the largest
	// legitimate inbound payload.
	maxFrameBytes = 1024 * 1024

	// sendQueueSize is the outbound frame buffer per surface.
	sendQueueSize = 256
)

// surfaceConn is one attached display surface. It implements
// terminal.SurfaceSender: the engine enqueues outbound frames without
// blocking and the write pump drains them onto the wire.
type surfaceConn struct {
	id   string
	conn *gorillaws.Conn
	log  *logger.Logger

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSurfaceConn(id string, conn *gorillaws.Conn, log *logger.Logger) *surfaceConn {
	return &surfaceConn{
		id:   id,
		conn: conn,
		log:  log.WithFields(zap.String("surface_id", id)),
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send enqueues one frame for the surface. A full queue means the surface
// cannot keep up; the frame is dropped and the pressure is logged.
func (s *surfaceConn) Send(msg *protocol.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		s.log.Error("Failed to encode outbound frame", zap.Error(err))
		return false
	}

	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		s.log.Warn("Surface send queue full, dropping frame",
			zap.String("kind", string(msg.Kind)))
		return false
	}
}

func (s *surfaceConn) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump decodes inbound frames and routes them through the engine until
// the connection dies. It runs on the caller's goroutine.
func (s *surfaceConn) readPump(ctx context.Context, engine *terminal.Engine) {
	defer s.close()

	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseGoingAway,
				gorillaws.CloseAbnormalClosure) {
				s.log.Error("Surface read failed", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("Discarding malformed frame", zap.Error(err))
			continue
		}
		if err := engine.HandleFrame(ctx, msg); err != nil {
			s.log.Warn("Frame rejected",
				zap.String("kind", string(msg.Kind)),
				zap.Error(err))
		}
	}
}

// writePump owns all writes on the connection: queued frames and the
// keepalive pings.
func (s *surfaceConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			if !s.writeFrame(data) {
				return
			}
			// Drain whatever queued up behind it in the same wakeup.
			for n := len(s.send); n > 0; n-- {
				if !s.writeFrame(<-s.send) {
					return
				}
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *surfaceConn) writeFrame(data []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		s.log.Debug("Surface write failed", zap.Error(err))
		return false
	}
	return true
}
