// Package pipelines wires the per-queue step chains. It is the one place
// that knows which external calls each domain queue composes.
package pipelines

import (
	"log/slog"

	"github.com/groovecrate/batchd/internal/config"
	"github.com/groovecrate/batchd/internal/dispatcher"
	"github.com/groovecrate/batchd/internal/steps"
)

// Queue names. Each maps to one domain the platform defers work for.
const (
	QueueStories      = "stories"
	QueueProducts     = "products"
	QueuePhotoBatches = "photo_batches"
)

// Build assembles the step pipeline for every queue. The story chain is the
// long one: generate story, store artwork, then hand off to the social
// posting queue.
func Build(cfg *config.StepsConfig, logger *slog.Logger, publisher steps.Publisher) map[string][]dispatcher.Step {
	storyClient := newClient(&cfg.StoryAPI, logger)
	artworkClient := newClient(&cfg.ArtworkAPI, logger)
	marketplaceClient := newClient(&cfg.MarketplaceAPI, logger)

	storyGen := steps.NewStoryGenerator(storyClient)
	artworkUp := steps.NewArtworkUploader(artworkClient)
	marketSearch := steps.NewMarketplaceSearcher(marketplaceClient)
	socialPost := steps.NewSocialPoster(publisher)

	return map[string][]dispatcher.Step{
		QueueStories:      {storyGen, artworkUp, socialPost},
		QueueProducts:     {marketSearch, artworkUp, socialPost},
		QueuePhotoBatches: {artworkUp},
	}
}

// NewDispatcher builds the dispatch engine from config, with the pipelines
// above registered.
func NewDispatcher(cfg *config.Config, logger *slog.Logger, repo dispatcher.Repository, publisher steps.Publisher) *dispatcher.Dispatcher {
	return dispatcher.New(&dispatcher.Config{
		Logger:           logger,
		Repo:             repo,
		Pipelines:        Build(&cfg.Steps, logger, publisher),
		Policy:           dispatcher.FixedDelayPolicy(cfg.Dispatcher.MaxAttempts, cfg.Dispatcher.RetryDelay),
		LeaseTTL:         cfg.Dispatcher.LeaseTTL,
		DefaultBatchSize: cfg.Dispatcher.DefaultBatchSize,
		MaxBatchSize:     cfg.Dispatcher.MaxBatchSize,
		ItemInterval:     cfg.Dispatcher.ItemInterval,
	})
}

func newClient(api *config.StepAPIConfig, logger *slog.Logger) *steps.Client {
	opts := []steps.ClientOption{steps.WithLogger(logger)}
	if api.RateLimit > 0 {
		opts = append(opts, steps.WithRateLimit(api.RateLimit))
	}
	if api.RateLimitWait > 0 {
		opts = append(opts, steps.WithRateLimitWait(api.RateLimitWait))
	}
	return steps.NewClient(api.BaseURL, api.APIKey, opts...)
}
