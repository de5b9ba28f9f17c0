package handlers

import (
	"errors"
	"net/http"

	"catalogsync/internal/logger"
	"catalogsync/internal/session"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	tracker *session.Tracker
	logger  *logger.Logger
}

func NewSessionHandler(tracker *session.Tracker, log *logger.Logger) *SessionHandler {
	return &SessionHandler{tracker: tracker, logger: log}
}

func (h *SessionHandler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, session.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, "session_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.tracker.List(c.Request.Context(), c.Query("supplier"), queryInt(c, "limit", 50))
	if err != nil {
		h.fail(c, err, "Failed to fetch sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func (h *SessionHandler) Get(c *gin.Context) {
	s, err := h.tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to fetch session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s})
}

func (h *SessionHandler) Stop(c *gin.Context) {
	if err := h.tracker.RequestStop(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "Failed to stop session")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Stop requested"})
}

func (h *SessionHandler) Verify(c *gin.Context) {
	v, err := h.tracker.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to verify session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": v})
}

// Health reports 503 unless every dependency answered.
func (h *SessionHandler) Health(c *gin.Context) {
	report, err := h.tracker.Health(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to check health")
		return
	}
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"data": report})
}
