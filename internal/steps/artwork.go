package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/groovecrate/batchd/internal/queue"
)

// ArtworkPayload carries the image fields of an item payload. Items whose
// producer has not resolved artwork yet simply fail validation and retry
// later once the upstream discovery function fills the URL in.
type ArtworkPayload struct {
	ImageURL string `json:"image_url"`
}

type artworkRequest struct {
	SourceURL string `json:"source_url"`
	Slug      string `json:"slug"`
}

type artworkResponse struct {
	Success   bool   `json:"success"`
	StoredURL string `json:"stored_url"`
	Error     string `json:"error,omitempty"`
}

// ArtworkUploader copies the item's artwork into managed image storage.
type ArtworkUploader struct {
	client *Client
}

// NewArtworkUploader wraps the image storage API as a pipeline step.
func NewArtworkUploader(client *Client) *ArtworkUploader {
	return &ArtworkUploader{client: client}
}

func (a *ArtworkUploader) Name() string {
	return "upload_artwork"
}

func (a *ArtworkUploader) Run(ctx context.Context, item *queue.Item) error {
	var payload ArtworkPayload
	if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
		return queue.NewPermanentError(fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err))
	}
	if payload.ImageURL == "" {
		// Artwork not resolved yet; transient, retry after the producer
		// catches up.
		return fmt.Errorf("artwork not ready: image_url is empty")
	}

	var resp artworkResponse
	err := a.client.PostJSON(ctx, "/v1/images/upload", artworkRequest{
		SourceURL: payload.ImageURL,
		Slug:      item.Slug,
	}, &resp)
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("artwork upload rejected: %s", resp.Error)
	}
	return nil
}
