package queue

import (
	"time"

	"github.com/lib/pq"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further dispatcher pass may mutate the item.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Live reports whether the item counts against its dedup key. A live item
// blocks enqueueing or processing another item with the same key.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusCompleted
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Item is one unit of deferred work. The payload is opaque to the
// dispatcher; step adapters interpret it.
type Item struct {
	ItemID         string         `db:"item_id" json:"item_id"`
	QueueName      string         `db:"queue_name" json:"queue_name"`
	Status         Status         `db:"status" json:"status"`
	DedupKey       string         `db:"dedup_key" json:"dedup_key"`
	Slug           string         `db:"slug" json:"slug"`
	Attempts       int            `db:"attempts" json:"attempts"`
	Payload        string         `db:"payload" json:"payload"` // JSON string
	ErrorMessage   string         `db:"error_message" json:"error_message,omitempty"`
	StepsCompleted pq.StringArray `db:"steps_completed" json:"steps_completed"`
	LeaseOwner     string         `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	ScheduledFor   *time.Time     `db:"scheduled_for" json:"scheduled_for,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	ProcessedAt    *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// StepDone reports whether the named pipeline step already ran to
// completion for this item in an earlier attempt.
func (i *Item) StepDone(name string) bool {
	for _, s := range i.StepsCompleted {
		if s == name {
			return true
		}
	}
	return false
}
