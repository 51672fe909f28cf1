// Package handlers exposes the session management HTTP API. The surface
// protocol runs over the websocket gateway; these routes serve scripts and
// operators.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/termd/internal/common/logger"
	"github.com/kandev/termd/internal/terminal"
)

type Handlers struct {
	engine *terminal.Engine
	logger *logger.Logger
}

func NewHandlers(engine *terminal.Engine, log *logger.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		logger: log.WithFields(zap.String("component", "session-handlers")),
	}
}

func RegisterRoutes(router *gin.Engine, engine *terminal.Engine, log *logger.Logger) {
	h := NewHandlers(engine, log)
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.GET("/sessions", h.listSessions)
	api.POST("/sessions", h.createSession)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.disposeSession)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"handshake": h.engine.HandshakeState().String(),
		"degraded":  h.engine.Degraded(),
	})
}

func (h *Handlers) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.engine.Sessions()})
}

type createSessionRequest struct {
	Cwd     string   `json:"cwd"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []string `json:"env"`
	Cols    uint16   `json:"cols"`
	Rows    uint16   `json:"rows"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var body createSessionRequest
	// Every field is optional; a bodyless POST creates a default session.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	snap, err := h.engine.CreateSession(c.Request.Context(), terminal.CreateRequest{
		Cwd:     body.Cwd,
		Command: body.Command,
		Args:    body.Args,
		Env:     body.Env,
		Cols:    body.Cols,
		Rows:    body.Rows,
	})
	if err != nil {
		h.createError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handlers) createError(c *gin.Context, err error) {
	var dup *terminal.DuplicateSessionError
	switch {
	case errors.Is(err, terminal.ErrSessionLimit), errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, terminal.ErrHandshakeNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
	}
}

func (h *Handlers) getSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	snap, err := h.engine.GetSession(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) disposeSession(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.engine.DisposeSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) sessionID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}
