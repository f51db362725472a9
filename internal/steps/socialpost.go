package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/groovecrate/batchd/internal/queue"
)

// Publisher is the message broker surface the social step needs. The
// shared/rabbitmq client satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

type socialPostMessage struct {
	ItemID      string    `json:"item_id"`
	QueueName   string    `json:"queue_name"`
	Slug        string    `json:"slug"`
	Payload     string    `json:"payload"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	ContentType string    `json:"content_type"`
}

// SocialPoster is the chain tail: it hands the finished item to the social
// posting queue over the message broker instead of calling another HTTP
// function.
type SocialPoster struct {
	publisher Publisher
}

// NewSocialPoster wraps the broker publisher as a pipeline step.
func NewSocialPoster(publisher Publisher) *SocialPoster {
	return &SocialPoster{publisher: publisher}
}

func (s *SocialPoster) Name() string {
	return "enqueue_social_post"
}

func (s *SocialPoster) Run(ctx context.Context, item *queue.Item) error {
	body, err := json.Marshal(socialPostMessage{
		ItemID:      item.ItemID,
		QueueName:   item.QueueName,
		Slug:        item.Slug,
		Payload:     item.Payload,
		EnqueuedAt:  time.Now(),
		ContentType: item.QueueName,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal social post message: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish social post: %w", err)
	}
	return nil
}
