package handlers

import (
	"errors"
	"net/http"
	"time"

	"catalogsync/internal/logger"
	"catalogsync/internal/models"
	"catalogsync/internal/queue"

	"github.com/gin-gonic/gin"
)

type QueueHandler struct {
	jobs   *queue.Service
	logger *logger.Logger
}

func NewQueueHandler(jobs *queue.Service, log *logger.Logger) *QueueHandler {
	return &QueueHandler{jobs: jobs, logger: log}
}

// fail maps queue errors onto HTTP statuses.
func (h *QueueHandler) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrBadState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, "queue", c.Param("queue"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func (h *QueueHandler) List(c *gin.Context) {
	out := make([]*queue.Stats, 0, len(queue.Names))
	for _, name := range queue.Names {
		stats, err := h.jobs.GetStats(c.Request.Context(), name)
		if err != nil {
			h.fail(c, err, "Failed to fetch queue stats")
			return
		}
		out = append(out, stats)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.jobs.GetStats(c.Request.Context(), c.Param("queue"))
	if err != nil {
		h.fail(c, err, "Failed to fetch queue stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (h *QueueHandler) Job(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to fetch job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (h *QueueHandler) Pause(c *gin.Context) {
	if err := h.jobs.Pause(c.Request.Context(), c.Param("queue")); err != nil {
		h.fail(c, err, "Failed to pause queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Queue paused"})
}

func (h *QueueHandler) Resume(c *gin.Context) {
	if err := h.jobs.Resume(c.Request.Context(), c.Param("queue")); err != nil {
		h.fail(c, err, "Failed to resume queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Queue resumed"})
}

// Clean deletes finished jobs. ?state=completed|failed, ?older_than=24h.
func (h *QueueHandler) Clean(c *gin.Context) {
	state := models.JobState(c.DefaultQuery("state", string(models.JobStateCompleted)))
	olderThan, err := time.ParseDuration(c.DefaultQuery("older_than", "24h"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than: " + err.Error()})
		return
	}
	n, err := h.jobs.Clean(c.Request.Context(), c.Param("queue"), olderThan, state)
	if err != nil {
		h.fail(c, err, "Failed to clean queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"removed": n}})
}

func (h *QueueHandler) Retry(c *gin.Context) {
	n, err := h.jobs.RetryFailed(c.Request.Context(), c.Param("queue"), queryInt(c, "limit", 100))
	if err != nil {
		h.fail(c, err, "Failed to retry jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"retried": n}})
}

func (h *QueueHandler) Cancel(c *gin.Context) {
	if err := h.jobs.Cancel(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		h.fail(c, err, "Failed to cancel job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled"})
}
