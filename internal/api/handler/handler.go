package handler

import (
	"context"
	"log/slog"

	"github.com/groovecrate/batchd/internal/dispatcher"
	"github.com/groovecrate/batchd/internal/queue"
	"github.com/groovecrate/batchd/internal/queue/storage"
)

// QueueStore is the storage surface the HTTP handlers need. The postgres
// Storage satisfies it; handler tests provide an in-memory fake.
type QueueStore interface {
	Enqueue(ctx context.Context, item *queue.Item) error
	Get(ctx context.Context, queueName, itemID string) (*queue.Item, error)
	List(ctx context.Context, filter storage.ItemFilter) ([]queue.Item, error)
	Stats(ctx context.Context, queueName string) (map[queue.Status]int, error)
	ResetFailed(ctx context.Context, queueName string) (int64, error)
	ReclaimExpired(ctx context.Context, queueName string) (int64, error)
	IsAdmin(ctx context.Context, token string) (bool, error)
}

// BatchRunner triggers one dispatch run for a queue.
type BatchRunner interface {
	Run(ctx context.Context, queueName string, batchSize int) (*dispatcher.Summary, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Store  QueueStore
	Runner BatchRunner
}

// QueueHandler handles queue-related HTTP requests
type QueueHandler struct {
	logger *slog.Logger
	store  QueueStore
	runner BatchRunner
}

// NewQueueHandler creates a new QueueHandler instance
func NewQueueHandler(deps *Dependencies) *QueueHandler {
	return &QueueHandler{
		logger: deps.Logger,
		store:  deps.Store,
		runner: deps.Runner,
	}
}
