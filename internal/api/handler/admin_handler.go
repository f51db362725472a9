package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RetryFailed handles POST /api/v1/admin/queues/:queue/retry-failed
// Resets terminally-failed items to pending with a fresh attempt budget.
// Admin only.
func (h *QueueHandler) RetryFailed(c *gin.Context) {
	queueName := c.Param("queue")

	count, err := h.store.ResetFailed(c.Request.Context(), queueName)
	if err != nil {
		h.logger.Error("Failed to reset failed items", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to reset failed items",
		})
		return
	}

	h.logger.Info("Admin retry-failed executed",
		slog.String("queue", queueName),
		slog.Int64("count", count),
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"queue":   queueName,
		"reset":   count,
	})
}

// ReclaimLeases handles POST /api/v1/admin/queues/:queue/reclaim
// Returns processing items with expired leases to pending. Admin only.
func (h *QueueHandler) ReclaimLeases(c *gin.Context) {
	queueName := c.Param("queue")

	count, err := h.store.ReclaimExpired(c.Request.Context(), queueName)
	if err != nil {
		h.logger.Error("Failed to reclaim leases", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to reclaim leases",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"queue":     queueName,
		"reclaimed": count,
	})
}
