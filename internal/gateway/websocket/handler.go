package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/terminal"
)

// Larger buffers than the gorilla default; TUI redraws arrive in bursts.
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin guards against cross-site WebSocket hijacking.
// Browserless clients send no Origin header and are let through; browsers
// must come from the local machine or the same host the request hit.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := originURL.Hostname()
	switch originHost {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	// Ports differ between dev setups; compare hosts only. The bracket
	// check keeps IPv6 literals intact.
	if colon := strings.LastIndex(host, ":"); colon != -1 {
		if !strings.Contains(host, "]") || colon > strings.Index(host, "]") {
			host = host[:colon]
		}
	}
	return originHost != "" && originHost == host
}

// Handler upgrades /ws requests and binds the resulting connection to the
// engine as its display surface.
type Handler struct {
	engine *terminal.Engine
	log    *logger.Logger

	mu      sync.Mutex
	current *surfaceConn
}

// NewHandler creates the surface transport handler.
func NewHandler(engine *terminal.Engine, log *logger.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Routes registers the upgrade endpoint.
func (h *Handler) Routes(router *gin.Engine) {
	router.GET("/ws", h.handleConnection)
}

// handleConnection runs one surface connection to completion. The newest
// connection wins: any prior surface is closed and the handshake restarts
// for the new one.
func (h *Handler) handleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Websocket upgrade failed", zap.Error(err))
		return
	}

	s := newSurfaceConn(uuid.New().String(), conn, h.log)

	h.mu.Lock()
	prev := h.current
	h.current = s
	h.mu.Unlock()
	if prev != nil {
		h.log.Info("Surface superseded",
			zap.String("surface_id", prev.id),
			zap.String("by", s.id))
		prev.close()
	}

	h.log.Info("Surface connected",
		zap.String("surface_id", s.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.engine.SurfaceConnected(s)

	go s.writePump()
	s.readPump(c.Request.Context(), h.engine)

	// Detach only if no newer surface took over while this one was dying;
	// otherwise the stale teardown would knock out its successor.
	h.mu.Lock()
	last := h.current == s
	if last {
		h.current = nil
	}
	h.mu.Unlock()
	if last {
		h.engine.SurfaceDisconnected()
	}

	h.log.Info("Surface disconnected", zap.String("surface_id", s.id))
}
