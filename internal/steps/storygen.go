package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groovecrate/batchd/internal/queue"
)

// StoryPayload is the typed schema for story-generation items. Validation
// happens here at the boundary; a missing required field is a permanent
// failure, not something to pass downstream as empty strings.
type StoryPayload struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Genre  string `json:"genre,omitempty"`
}

// Validate checks the required fields.
func (p *StoryPayload) Validate() error {
	if p.Artist == "" {
		return fmt.Errorf("missing required field: artist")
	}
	if p.Title == "" {
		return fmt.Errorf("missing required field: title")
	}
	return nil
}

type storyRequest struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Genre  string `json:"genre,omitempty"`
}

type storyResponse struct {
	Success bool   `json:"success"`
	Story   string `json:"story"`
	Error   string `json:"error,omitempty"`
}

// StoryGenerator calls the AI generation endpoint to produce a story for
// an album or single.
type StoryGenerator struct {
	client *Client
}

// NewStoryGenerator wraps the AI generation API as a pipeline step.
func NewStoryGenerator(client *Client) *StoryGenerator {
	return &StoryGenerator{client: client}
}

func (s *StoryGenerator) Name() string {
	return "generate_story"
}

func (s *StoryGenerator) Run(ctx context.Context, item *queue.Item) error {
	payload, err := ParseStoryPayload(item.Payload)
	if err != nil {
		return err
	}

	var resp storyResponse
	err = s.client.PostJSON(ctx, "/v1/stories/generate", storyRequest{
		Artist: payload.Artist,
		Title:  payload.Title,
		Year:   payload.Year,
		Genre:  payload.Genre,
	}, &resp)
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("story generation rejected: %s", resp.Error)
	}
	if resp.Story == "" {
		return queue.NewPermanentError(fmt.Errorf("story generation returned an empty story"))
	}
	return nil
}

// ParseStoryPayload decodes and validates an item payload as a story
// request. Malformed JSON and missing required fields are permanent errors.
func ParseStoryPayload(raw string) (*StoryPayload, error) {
	var payload StoryPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, queue.NewPermanentError(fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err))
	}
	if err := payload.Validate(); err != nil {
		return nil, queue.NewPermanentError(fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err))
	}
	return &payload, nil
}
