package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/groovecrate/batchd/internal/observability"
	"github.com/groovecrate/batchd/internal/queue"
)

// Config holds dispatcher configuration
type Config struct {
	Logger           *slog.Logger
	Repo             Repository
	Pipelines        map[string][]Step
	Policy           RetryPolicy
	LeaseTTL         time.Duration
	DefaultBatchSize int
	MaxBatchSize     int
	ItemInterval     time.Duration // fixed delay between items in a batch
}

// Dispatcher drives pending queue items through their pipeline, one at a
// time, within a single invocation. Concurrency across invocations is
// handled by the lease on each claim, not by anything in process.
type Dispatcher struct {
	logger           *slog.Logger
	repo             Repository
	pipelines        map[string][]Step
	policy           RetryPolicy
	owner            string
	leaseTTL         time.Duration
	defaultBatchSize int
	maxBatchSize     int
	limiter          *rate.Limiter
}

// ItemResult records the outcome of one item in a batch.
type ItemResult struct {
	ItemID   string       `json:"item_id"`
	Status   queue.Status `json:"status"`
	Success  bool         `json:"success"`
	Attempts int          `json:"attempts,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Summary is the per-invocation report returned to the caller. Processed
// counts claimed items only; skipped and unclaimable candidates are
// reported in Results but not in Processed.
type Summary struct {
	QueueName       string       `json:"queue_name"`
	Processed       int          `json:"processed"`
	Successful      int          `json:"successful"`
	Failed          int          `json:"failed"`
	Skipped         int          `json:"skipped"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	Results         []ItemResult `json:"results"`
}

// New creates a dispatcher with a fresh owner id for its lease claims.
func New(cfg *Config) *Dispatcher {
	policy := cfg.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 5 * time.Minute
	}

	defaultBatch := cfg.DefaultBatchSize
	if defaultBatch <= 0 {
		defaultBatch = 10
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 20
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ItemInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ItemInterval), 1)
	}

	return &Dispatcher{
		logger:           cfg.Logger,
		repo:             cfg.Repo,
		pipelines:        cfg.Pipelines,
		policy:           policy,
		owner:            uuid.New().String(),
		leaseTTL:         leaseTTL,
		defaultBatchSize: defaultBatch,
		maxBatchSize:     maxBatch,
		limiter:          limiter,
	}
}

// Owner returns the lease owner id this dispatcher claims with.
func (d *Dispatcher) Owner() string {
	return d.owner
}

// Run executes one batch for the named queue: fetch pending candidates
// oldest first, dedup-filter, then claim and process each sequentially. An
// error on one item never aborts the rest of the batch.
func (d *Dispatcher) Run(ctx context.Context, queueName string, batchSize int) (*Summary, error) {
	pipeline, ok := d.pipelines[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownQueue, queueName)
	}

	if batchSize <= 0 {
		batchSize = d.defaultBatchSize
	}
	if batchSize > d.maxBatchSize {
		batchSize = d.maxBatchSize
	}

	start := time.Now()
	observability.BatchRuns.WithLabelValues(queueName).Inc()

	candidates, err := d.repo.FetchPending(ctx, queueName, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending items: %w", err)
	}

	d.logger.Info("Dispatch run started",
		slog.String("queue", queueName),
		slog.Int("batch_size", batchSize),
		slog.Int("candidates", len(candidates)),
	)

	summary := &Summary{
		QueueName: queueName,
		Results:   make([]ItemResult, 0, len(candidates)),
	}

	for i := range candidates {
		if ctx.Err() != nil {
			d.logger.Warn("Dispatch run canceled mid-batch",
				slog.String("queue", queueName),
				slog.Int("remaining", len(candidates)-i),
			)
			break
		}
		summary.Results = append(summary.Results, d.processCandidate(ctx, pipeline, summary, &candidates[i]))
	}

	summary.ExecutionTimeMs = time.Since(start).Milliseconds()

	d.logger.Info("Dispatch run finished",
		slog.String("queue", queueName),
		slog.Int("processed", summary.Processed),
		slog.Int("successful", summary.Successful),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Int64("execution_time_ms", summary.ExecutionTimeMs),
	)
	return summary, nil
}

// processCandidate handles the full lifecycle of one fetched candidate and
// updates the summary counters. All failures are converted into a result
// row so the batch loop keeps going.
func (d *Dispatcher) processCandidate(ctx context.Context, pipeline []Step, summary *Summary, candidate *queue.Item) ItemResult {
	queueName := candidate.QueueName

	// Dedup pre-filter. A broken check leaves the item pending rather than
	// risking duplicate work.
	dup, err := d.repo.HasLiveDuplicate(ctx, queueName, candidate.DedupKey, candidate.ItemID)
	if err != nil {
		d.logger.Error("Dedup check failed, leaving item pending",
			slog.String("item_id", candidate.ItemID),
			slog.String("error", err.Error()),
		)
		return ItemResult{
			ItemID:  candidate.ItemID,
			Status:  queue.StatusPending,
			Success: false,
			Error:   fmt.Sprintf("dedup check failed: %s", err),
		}
	}
	if dup {
		reason := "duplicate: live item exists for dedup key " + candidate.DedupKey
		if err := d.repo.MarkSkipped(ctx, candidate.ItemID, reason); err != nil {
			d.logger.Error("Failed to mark item skipped",
				slog.String("item_id", candidate.ItemID),
				slog.String("error", err.Error()),
			)
		}
		summary.Skipped++
		observability.ItemsProcessed.WithLabelValues(queueName, "skipped").Inc()
		return ItemResult{
			ItemID:  candidate.ItemID,
			Status:  queue.StatusSkipped,
			Success: false,
			Error:   reason,
		}
	}

	// Fixed inter-item throttle between external-call sequences.
	if err := d.limiter.Wait(ctx); err != nil {
		return ItemResult{
			ItemID:  candidate.ItemID,
			Status:  queue.StatusPending,
			Success: false,
			Error:   fmt.Sprintf("throttle wait canceled: %s", err),
		}
	}

	item, err := d.repo.Claim(ctx, candidate.ItemID, d.owner, d.leaseTTL)
	if err != nil {
		if errors.Is(err, queue.ErrItemAlreadyClaimed) {
			// Another dispatcher instance won the race; not our item.
			d.logger.Warn("Item already claimed, skipping",
				slog.String("item_id", candidate.ItemID),
			)
			return ItemResult{
				ItemID:  candidate.ItemID,
				Status:  queue.StatusProcessing,
				Success: false,
				Error:   queue.ErrItemAlreadyClaimed.Error(),
			}
		}
		d.logger.Error("Failed to claim item",
			slog.String("item_id", candidate.ItemID),
			slog.String("error", err.Error()),
		)
		return ItemResult{
			ItemID:  candidate.ItemID,
			Status:  queue.StatusPending,
			Success: false,
			Error:   fmt.Sprintf("claim failed: %s", err),
		}
	}

	summary.Processed++
	itemStart := time.Now()
	runErr := d.runPipeline(ctx, pipeline, item)
	observability.ItemDuration.WithLabelValues(queueName).Observe(time.Since(itemStart).Seconds())

	if runErr == nil {
		// Side-effect target row first, then the terminal status: if the
		// content write fails the item fails with it.
		if err := d.repo.RecordContent(ctx, queueName, item.DedupKey, item.Slug); err != nil {
			runErr = fmt.Errorf("failed to record content entry: %w", err)
		}
	}

	if runErr != nil {
		return d.finishFailed(ctx, summary, item, runErr)
	}

	if err := d.repo.MarkCompleted(ctx, item.ItemID); err != nil {
		d.logger.Error("Failed to mark item completed",
			slog.String("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
	}
	summary.Successful++
	observability.ItemsProcessed.WithLabelValues(queueName, "completed").Inc()

	d.logger.Info("Item completed",
		slog.String("item_id", item.ItemID),
		slog.String("queue", queueName),
		slog.Int("attempts", item.Attempts),
	)
	return ItemResult{
		ItemID:   item.ItemID,
		Status:   queue.StatusCompleted,
		Success:  true,
		Attempts: item.Attempts,
	}
}

// runPipeline runs the steps not already in the item's ledger, recording
// each completed step so a retried item resumes where it left off. Partial
// completion is never rolled back.
func (d *Dispatcher) runPipeline(ctx context.Context, pipeline []Step, item *queue.Item) error {
	for _, step := range pipeline {
		if item.StepDone(step.Name()) {
			d.logger.Debug("Step already completed, skipping",
				slog.String("item_id", item.ItemID),
				slog.String("step", step.Name()),
			)
			continue
		}

		if err := step.Run(ctx, item); err != nil {
			return fmt.Errorf("step %q: %w", step.Name(), err)
		}

		if err := d.repo.RecordStep(ctx, item.ItemID, step.Name()); err != nil {
			d.logger.Error("Failed to record completed step",
				slog.String("item_id", item.ItemID),
				slog.String("step", step.Name()),
				slog.String("error", err.Error()),
			)
		}
		item.StepsCompleted = append(item.StepsCompleted, step.Name())
	}
	return nil
}

// finishFailed applies the retry policy: permanent errors and exhausted
// attempts go terminal, everything else is requeued with the policy delay.
func (d *Dispatcher) finishFailed(ctx context.Context, summary *Summary, item *queue.Item, runErr error) ItemResult {
	queueName := item.QueueName
	errMsg := runErr.Error()

	permanent := queue.IsPermanent(runErr)
	exhausted := d.policy.Exhausted(item.Attempts)

	if permanent || exhausted {
		if err := d.repo.MarkFailed(ctx, item.ItemID, errMsg); err != nil {
			d.logger.Error("Failed to mark item failed",
				slog.String("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
		}
		summary.Failed++
		observability.ItemsProcessed.WithLabelValues(queueName, "failed").Inc()

		d.logger.Warn("Item failed permanently",
			slog.String("item_id", item.ItemID),
			slog.Int("attempts", item.Attempts),
			slog.Int("max_attempts", d.policy.MaxAttempts),
			slog.Bool("permanent_error", permanent),
			slog.String("error", errMsg),
		)
		return ItemResult{
			ItemID:   item.ItemID,
			Status:   queue.StatusFailed,
			Success:  false,
			Attempts: item.Attempts,
			Error:    errMsg,
		}
	}

	delay := d.policy.RetryDelay(item.Attempts)
	if err := d.repo.Requeue(ctx, item.ItemID, errMsg, delay); err != nil {
		d.logger.Error("Failed to requeue item",
			slog.String("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
	}
	summary.Failed++
	observability.ItemsProcessed.WithLabelValues(queueName, "requeued").Inc()

	d.logger.Info("Item will be retried",
		slog.String("item_id", item.ItemID),
		slog.Int("attempts", item.Attempts),
		slog.Int("max_attempts", d.policy.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("error", errMsg),
	)
	return ItemResult{
		ItemID:   item.ItemID,
		Status:   queue.StatusPending,
		Success:  false,
		Attempts: item.Attempts,
		Error:    errMsg,
	}
}

// Reclaim returns expired processing leases to pending for the queue.
func (d *Dispatcher) Reclaim(ctx context.Context, queueName string) (int64, error) {
	count, err := d.repo.ReclaimExpired(ctx, queueName)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		observability.LeasesReclaimed.WithLabelValues(queueName).Add(float64(count))
	}
	return count, nil
}

// Queues lists the queue names this dispatcher has pipelines for.
func (d *Dispatcher) Queues() []string {
	names := make([]string, 0, len(d.pipelines))
	for name := range d.pipelines {
		names = append(names, name)
	}
	return names
}
