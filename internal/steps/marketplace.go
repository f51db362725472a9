package steps

import (
	"context"
	"fmt"

	"github.com/groovecrate/batchd/internal/queue"
)

type marketplaceRequest struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

type marketplaceListing struct {
	CatalogID string `json:"catalog_id"`
	Price     string `json:"price"`
	URI       string `json:"uri"`
}

type marketplaceResponse struct {
	Success  bool                 `json:"success"`
	Listings []marketplaceListing `json:"listings"`
	Error    string               `json:"error,omitempty"`
}

// MarketplaceSearcher looks the release up on the marketplace API so the
// product listing step downstream has catalog ids and price context.
type MarketplaceSearcher struct {
	client *Client
}

// NewMarketplaceSearcher wraps the marketplace search API as a pipeline step.
func NewMarketplaceSearcher(client *Client) *MarketplaceSearcher {
	return &MarketplaceSearcher{client: client}
}

func (m *MarketplaceSearcher) Name() string {
	return "search_marketplace"
}

func (m *MarketplaceSearcher) Run(ctx context.Context, item *queue.Item) error {
	payload, err := ParseStoryPayload(item.Payload)
	if err != nil {
		return err
	}

	var resp marketplaceResponse
	err = m.client.PostJSON(ctx, "/v1/marketplace/search", marketplaceRequest{
		Artist: payload.Artist,
		Title:  payload.Title,
	}, &resp)
	if err != nil {
		return err
	}

	if !resp.Success {
		return fmt.Errorf("marketplace search rejected: %s", resp.Error)
	}
	// No listings is a valid outcome; the release may simply not be listed.
	return nil
}
