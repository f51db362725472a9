package dispatcher

import (
	"context"
	"time"

	"github.com/groovecrate/batchd/internal/queue"
)

// Repository is the storage contract the dispatch engine runs against.
// Every domain queue shares this one interface instead of hand-rolled SQL
// per processor; internal/queue/storage implements it on postgres and the
// tests implement it in memory.
type Repository interface {
	// FetchPending returns up to limit pending items, oldest first,
	// excluding items scheduled for the future.
	FetchPending(ctx context.Context, queueName string, limit int) ([]queue.Item, error)

	// Claim atomically moves a pending item to processing under a lease,
	// incrementing attempts. Returns queue.ErrItemAlreadyClaimed when the
	// item is no longer pending.
	Claim(ctx context.Context, itemID, owner string, leaseTTL time.Duration) (*queue.Item, error)

	// MarkCompleted finalizes a successful item and clears its error text.
	MarkCompleted(ctx context.Context, itemID string) error

	// MarkFailed moves an item to terminal failed with the error text.
	MarkFailed(ctx context.Context, itemID, errMsg string) error

	// MarkSkipped records a dedup collision found before claiming.
	MarkSkipped(ctx context.Context, itemID, reason string) error

	// Requeue releases a transiently-failed item back to pending, keeping
	// attempts and the step ledger.
	Requeue(ctx context.Context, itemID, errMsg string, delay time.Duration) error

	// RecordStep appends a completed pipeline step to the item's ledger.
	RecordStep(ctx context.Context, itemID, step string) error

	// RecordContent writes the downstream content row for a completed item.
	RecordContent(ctx context.Context, queueName, dedupKey, slug string) error

	// HasLiveDuplicate checks live queue rows and the content table for the
	// dedup key, excluding the item itself.
	HasLiveDuplicate(ctx context.Context, queueName, dedupKey, excludeItemID string) (bool, error)

	// ReclaimExpired returns processing items with lapsed leases to pending.
	ReclaimExpired(ctx context.Context, queueName string) (int64, error)
}

// Step wraps one outbound call (AI generation, image upload, marketplace
// search, social publish) behind a uniform contract. A pipeline is an
// ordered slice of steps; a failure in any step surfaces as the item's
// failure.
type Step interface {
	Name() string
	Run(ctx context.Context, item *queue.Item) error
}
