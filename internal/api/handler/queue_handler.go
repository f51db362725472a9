package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/groovecrate/batchd/internal/api/dto"
	"github.com/groovecrate/batchd/internal/queue"
	"github.com/groovecrate/batchd/internal/queue/storage"
)

// ProcessBatch handles POST /api/v1/queues/:queue/process
// Runs one dispatch batch for the queue and returns the summary.
func (h *QueueHandler) ProcessBatch(c *gin.Context) {
	queueName := c.Param("queue")

	var req dto.ProcessBatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Error("Invalid request body", slog.String("error", err.Error()))
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Invalid request body",
			})
			return
		}
	}

	h.logger.Info("ProcessBatch called",
		slog.String("queue", queueName),
		slog.Int("batch_size", req.BatchSize),
	)

	summary, err := h.runner.Run(c.Request.Context(), queueName, req.BatchSize)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}
		h.logger.Error("Batch run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"processed":         summary.Processed,
		"successful":        summary.Successful,
		"failed":            summary.Failed,
		"skipped":           summary.Skipped,
		"execution_time_ms": summary.ExecutionTimeMs,
		"results":           summary.Results,
	})
}

// EnqueueItem handles POST /api/v1/queues/:queue/items
// Creates a new pending item; a duplicate is recorded as skipped and the
// call still succeeds, so producers can enqueue blindly.
func (h *QueueHandler) EnqueueItem(c *gin.Context) {
	queueName := c.Param("queue")

	var req dto.EnqueueItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	dedupKey, slug := deriveKeys(&req)
	if dedupKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "at least one of catalog_id, source_url, or artist+title is required",
		})
		return
	}

	var scheduledFor *time.Time
	if req.ScheduledFor != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledFor)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "scheduled_for must be RFC3339",
			})
			return
		}
		scheduledFor = &t
	}

	item := queue.Item{
		ItemID:       uuid.New().String(),
		QueueName:    queueName,
		Status:       queue.StatusPending,
		DedupKey:     dedupKey,
		Slug:         slug,
		Payload:      req.Payload,
		ScheduledFor: scheduledFor,
	}

	err := h.store.Enqueue(c.Request.Context(), &item)
	if err != nil && !errors.Is(err, queue.ErrDuplicateItem) {
		h.logger.Error("Failed to enqueue item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue item",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"item_id":    item.ItemID,
		"queue_name": item.QueueName,
		"status":     item.Status,
		"dedup_key":  item.DedupKey,
		"slug":       item.Slug,
	})
}

// GetItem handles GET /api/v1/queues/:queue/items/:item_id
func (h *QueueHandler) GetItem(c *gin.Context) {
	queueName := c.Param("queue")
	itemID := c.Param("item_id")

	if _, err := uuid.Parse(itemID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_id must be a valid UUID",
		})
		return
	}

	item, err := h.store.Get(c.Request.Context(), queueName, itemID)
	if err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Item not found",
			})
			return
		}
		h.logger.Error("Failed to get item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get item",
		})
		return
	}

	c.JSON(http.StatusOK, toItemDTO(item))
}

// ListItems handles GET /api/v1/queues/:queue/items
// Lists items with optional status filter and keyset pagination.
func (h *QueueHandler) ListItems(c *gin.Context) {
	queueName := c.Param("queue")

	var req dto.ListItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !queue.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeItemCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	items, err := h.store.List(c.Request.Context(), storage.ItemFilter{
		QueueName: queueName,
		Status:    queue.Status(req.Status),
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list items", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list items",
		})
		return
	}

	hasMore := len(items) > req.PageSize
	if hasMore {
		items = items[:req.PageSize]
	}

	resp := dto.ListItemsResponse{
		Items: make([]dto.ItemDTO, len(items)),
	}
	for i := range items {
		resp.Items[i] = toItemDTO(&items[i])
	}

	if hasMore {
		last := items[len(items)-1]
		resp.NextCursor = EncodeItemCursor(&storage.ItemCursor{
			CreatedAt: last.CreatedAt,
			ItemID:    last.ItemID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// GetStats handles GET /api/v1/queues/:queue/stats
// Returns per-status counts for the admin dashboards.
func (h *QueueHandler) GetStats(c *gin.Context) {
	queueName := c.Param("queue")

	stats, err := h.store.Stats(c.Request.Context(), queueName)
	if err != nil {
		h.logger.Error("Failed to get stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get stats",
		})
		return
	}

	counts := gin.H{}
	total := 0
	for _, s := range []queue.Status{
		queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted,
		queue.StatusFailed, queue.StatusSkipped,
	} {
		counts[string(s)] = stats[s]
		total += stats[s]
	}

	c.JSON(http.StatusOK, gin.H{
		"queue_name": queueName,
		"counts":     counts,
		"total":      total,
	})
}

// deriveKeys picks the strongest natural identifier available: catalog id,
// then source URL, then artist+title.
func deriveKeys(req *dto.EnqueueItemRequest) (dedupKey, slug string) {
	switch {
	case req.CatalogID != "":
		return queue.DedupKey("catalog", req.CatalogID), queue.Slugify(req.Artist, req.Title, req.CatalogID)
	case req.SourceURL != "":
		return queue.DedupKey("url", req.SourceURL), queue.Slugify(req.SourceURL)
	case req.Artist != "" && req.Title != "":
		return queue.DedupKey(req.Artist, req.Title), queue.Slugify(req.Artist, req.Title)
	}
	return "", ""
}

func toItemDTO(item *queue.Item) dto.ItemDTO {
	d := dto.ItemDTO{
		ItemID:         item.ItemID,
		QueueName:      item.QueueName,
		Status:         string(item.Status),
		DedupKey:       item.DedupKey,
		Slug:           item.Slug,
		Attempts:       item.Attempts,
		Payload:        item.Payload,
		ErrorMessage:   item.ErrorMessage,
		StepsCompleted: item.StepsCompleted,
		CreatedAt:      item.CreatedAt.Format(time.RFC3339),
	}
	if item.ScheduledFor != nil {
		d.ScheduledFor = item.ScheduledFor.Format(time.RFC3339)
	}
	if item.ProcessedAt != nil {
		d.ProcessedAt = item.ProcessedAt.Format(time.RFC3339)
	}
	return d
}
