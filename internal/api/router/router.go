package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/groovecrate/batchd/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "batchd-api-service",
		})
	})

	queueHandler := handler.NewQueueHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues/:queue")
		{
			// POST /api/v1/queues/:queue/process - run one dispatch batch
			queues.POST("/process", queueHandler.ProcessBatch)

			// POST /api/v1/queues/:queue/items - enqueue an item
			queues.POST("/items", queueHandler.EnqueueItem)

			// GET /api/v1/queues/:queue/items - list items with pagination
			queues.GET("/items", queueHandler.ListItems)

			// GET /api/v1/queues/:queue/items/:item_id - get item details
			queues.GET("/items/:item_id", queueHandler.GetItem)

			// GET /api/v1/queues/:queue/stats - per-status counts
			queues.GET("/stats", queueHandler.GetStats)
		}

		// Destructive admin actions require bearer token + is_admin role
		admin := v1.Group("/admin/queues/:queue")
		admin.Use(handler.AdminAuth(deps.Logger, deps.Store))
		{
			admin.POST("/retry-failed", queueHandler.RetryFailed)
			admin.POST("/reclaim", queueHandler.ReclaimLeases)
		}
	}

	return r
}
