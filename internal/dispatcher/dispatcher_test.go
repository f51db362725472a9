package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovecrate/batchd/internal/queue"
)

// fakeRepo is an in-memory Repository mirroring the postgres transition
// rules, so dispatcher behavior can be tested without a database.
type fakeRepo struct {
	mu      sync.Mutex
	items   map[string]*queue.Item
	order   []string
	content map[string]bool

	dedupErr   error
	claimErr   error
	contentErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items:   make(map[string]*queue.Item),
		content: make(map[string]bool),
	}
}

func (r *fakeRepo) add(item *queue.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item.Status == "" {
		item.Status = queue.StatusPending
	}
	r.items[item.ItemID] = item
	r.order = append(r.order, item.ItemID)
}

func (r *fakeRepo) get(itemID string) *queue.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[itemID]
}

func (r *fakeRepo) FetchPending(ctx context.Context, queueName string, limit int) ([]queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var out []queue.Item
	for _, id := range r.order {
		item := r.items[id]
		if item.QueueName != queueName || item.Status != queue.StatusPending {
			continue
		}
		if item.ScheduledFor != nil && item.ScheduledFor.After(now) {
			continue
		}
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) Claim(ctx context.Context, itemID, owner string, leaseTTL time.Duration) (*queue.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	item, ok := r.items[itemID]
	if !ok || item.Status != queue.StatusPending {
		return nil, queue.ErrItemAlreadyClaimed
	}
	item.Status = queue.StatusProcessing
	item.Attempts++
	item.LeaseOwner = owner
	expires := time.Now().Add(leaseTTL)
	item.LeaseExpiresAt = &expires
	claimed := *item
	return &claimed, nil
}

func (r *fakeRepo) finalize(itemID string, from, to queue.Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return queue.ErrItemNotFound
	}
	if item.Status != from {
		return fmt.Errorf("item %s is %s, not %s", itemID, item.Status, from)
	}
	item.Status = to
	item.ErrorMessage = errMsg
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	now := time.Now()
	item.ProcessedAt = &now
	return nil
}

func (r *fakeRepo) MarkCompleted(ctx context.Context, itemID string) error {
	return r.finalize(itemID, queue.StatusProcessing, queue.StatusCompleted, "")
}

func (r *fakeRepo) MarkFailed(ctx context.Context, itemID, errMsg string) error {
	return r.finalize(itemID, queue.StatusProcessing, queue.StatusFailed, errMsg)
}

func (r *fakeRepo) MarkSkipped(ctx context.Context, itemID, reason string) error {
	return r.finalize(itemID, queue.StatusPending, queue.StatusSkipped, reason)
}

func (r *fakeRepo) Requeue(ctx context.Context, itemID, errMsg string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return queue.ErrItemNotFound
	}
	item.Status = queue.StatusPending
	item.ErrorMessage = errMsg
	item.LeaseOwner = ""
	item.LeaseExpiresAt = nil
	scheduled := time.Now().Add(delay)
	item.ScheduledFor = &scheduled
	return nil
}

func (r *fakeRepo) RecordStep(ctx context.Context, itemID, step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[itemID]
	if !ok {
		return queue.ErrItemNotFound
	}
	for _, s := range item.StepsCompleted {
		if s == step {
			return nil
		}
	}
	item.StepsCompleted = append(item.StepsCompleted, step)
	return nil
}

func (r *fakeRepo) RecordContent(ctx context.Context, queueName, dedupKey, slug string) error {
	if r.contentErr != nil {
		return r.contentErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content[queueName+"|"+dedupKey] = true
	return nil
}

func (r *fakeRepo) HasLiveDuplicate(ctx context.Context, queueName, dedupKey, excludeItemID string) (bool, error) {
	if r.dedupErr != nil {
		return false, r.dedupErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.content[queueName+"|"+dedupKey] {
		return true, nil
	}
	for _, item := range r.items {
		if item.ItemID == excludeItemID {
			continue
		}
		if item.QueueName == queueName && item.DedupKey == dedupKey && item.Status.Live() {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) ReclaimExpired(ctx context.Context, queueName string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var count int64
	for _, item := range r.items {
		if item.QueueName != queueName || item.Status != queue.StatusProcessing {
			continue
		}
		if item.LeaseExpiresAt == nil || item.LeaseExpiresAt.After(now) {
			continue
		}
		item.Status = queue.StatusPending
		item.LeaseOwner = ""
		item.LeaseExpiresAt = nil
		count++
	}
	return count, nil
}

// fakeStep runs a per-item function and counts invocations.
type fakeStep struct {
	name  string
	fn    func(item *queue.Item) error
	calls map[string]int
	mu    sync.Mutex
}

func newFakeStep(name string, fn func(item *queue.Item) error) *fakeStep {
	return &fakeStep{name: name, fn: fn, calls: make(map[string]int)}
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Run(ctx context.Context, item *queue.Item) error {
	s.mu.Lock()
	s.calls[item.ItemID]++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(item)
	}
	return nil
}

func (s *fakeStep) callCount(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[itemID]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(repo Repository, pipelines map[string][]Step, policy RetryPolicy) *Dispatcher {
	return New(&Config{
		Logger:           testLogger(),
		Repo:             repo,
		Pipelines:        pipelines,
		Policy:           policy,
		DefaultBatchSize: 10,
		MaxBatchSize:     20,
	})
}

func pendingItem(id, queueName, dedupKey string) *queue.Item {
	return &queue.Item{
		ItemID:    id,
		QueueName: queueName,
		Status:    queue.StatusPending,
		DedupKey:  dedupKey,
		Slug:      "slug-" + id,
		Payload:   `{"artist":"Boards of Canada","title":"Roygbiv"}`,
		CreatedAt: time.Now(),
	}
}

func TestRunBatchWithOneFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))
	repo.add(pendingItem("item-b", "stories", "key-b"))
	repo.add(pendingItem("item-c", "stories", "key-c"))

	step := newFakeStep("generate", func(item *queue.Item) error {
		if item.ItemID == "item-b" {
			return errors.New("upstream unavailable")
		}
		return nil
	})
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "stories", 2)
	require.NoError(t, err)

	// Only the first two candidates fit in the batch.
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, summary.Results, 2)

	assert.Equal(t, queue.StatusCompleted, repo.get("item-a").Status)
	// Transient failure goes back to pending for a later pass.
	assert.Equal(t, queue.StatusPending, repo.get("item-b").Status)
	assert.Equal(t, 1, repo.get("item-b").Attempts)

	// The third item was outside the batch and must be untouched.
	itemC := repo.get("item-c")
	assert.Equal(t, queue.StatusPending, itemC.Status)
	assert.Equal(t, 0, itemC.Attempts)
	assert.Equal(t, 0, step.callCount("item-c"))
}

func TestRunUnknownQueue(t *testing.T) {
	d := newTestDispatcher(newFakeRepo(), map[string][]Step{"stories": nil}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "nonexistent", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrUnknownQueue)
	assert.Nil(t, summary)
}

func TestRunBatchSizeClamping(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 30; i++ {
		repo.add(pendingItem(fmt.Sprintf("item-%02d", i), "stories", fmt.Sprintf("key-%02d", i)))
	}
	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	// Requested size above the ceiling is clamped to it.
	summary, err := d.Run(context.Background(), "stories", 100)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Processed)

	// Zero falls back to the default.
	summary, err = d.Run(context.Background(), "stories", 0)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Processed)
}

func TestRetryUntilExhausted(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))

	step := newFakeStep("generate", func(item *queue.Item) error {
		return errors.New("timeout talking to upstream")
	})
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, FixedDelayPolicy(3, 0))

	for attempt := 1; attempt <= 3; attempt++ {
		// Clear the backoff so the next pass sees the item immediately.
		repo.get("item-a").ScheduledFor = nil

		summary, err := d.Run(context.Background(), "stories", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Processed, "attempt %d", attempt)
		assert.Equal(t, attempt, repo.get("item-a").Attempts)

		if attempt < 3 {
			assert.Equal(t, queue.StatusPending, repo.get("item-a").Status)
		}
	}

	item := repo.get("item-a")
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.Contains(t, item.ErrorMessage, "timeout")

	// Terminal items never re-enter a batch.
	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 3, step.callCount("item-a"))
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))

	step := newFakeStep("generate", func(item *queue.Item) error {
		return queue.NewPermanentError(errors.New("payload is missing required field artist"))
	})
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, FixedDelayPolicy(3, 0))

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	item := repo.get("item-a")
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.ErrorMessage, "missing required field")
}

func TestDuplicateCandidateIsSkipped(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-shared"))
	repo.add(pendingItem("item-b", "stories", "key-shared"))

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)

	// Both rows share a dedup key so exactly one of them is skipped. The
	// first candidate sees the other as a live duplicate before claiming.
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Skipped)

	statuses := map[queue.Status]int{
		repo.get("item-a").Status: 1,
	}
	statuses[repo.get("item-b").Status]++
	assert.Equal(t, 1, statuses[queue.StatusCompleted])
	assert.Equal(t, 1, statuses[queue.StatusSkipped])
}

func TestCompletedContentBlocksLaterDuplicates(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	_, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, repo.get("item-a").Status)

	// A later item with the same key must be skipped off the content table
	// even though the original queue row is terminal.
	repo.add(pendingItem("item-a2", "stories", "key-a"))
	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, queue.StatusSkipped, repo.get("item-a2").Status)
	assert.Equal(t, 0, step.callCount("item-a2"))
}

func TestDedupCheckErrorLeavesItemPending(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))
	repo.dedupErr = errors.New("connection reset")

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)

	item := repo.get("item-a")
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, 0, step.callCount("item-a"))
}

func TestClaimRaceLostIsNotProcessed(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))
	repo.claimErr = queue.ErrItemAlreadyClaimed

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, step.callCount("item-a"))
	require.Len(t, summary.Results, 1)
	assert.Equal(t, queue.StatusProcessing, summary.Results[0].Status)
}

func TestStepLedgerSkipsCompletedSteps(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))

	first := newFakeStep("generate_story", nil)
	failing := true
	second := newFakeStep("upload_artwork", func(item *queue.Item) error {
		if failing {
			return errors.New("artwork not ready")
		}
		return nil
	})
	d := newTestDispatcher(repo, map[string][]Step{"stories": {first, second}}, FixedDelayPolicy(3, 0))

	_, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)

	item := repo.get("item-a")
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.Equal(t, []string{"generate_story"}, []string(item.StepsCompleted))

	// Retry resumes after the recorded step.
	failing = false
	item.ScheduledFor = nil
	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Successful)

	assert.Equal(t, 1, first.callCount("item-a"))
	assert.Equal(t, 2, second.callCount("item-a"))
	assert.Equal(t, queue.StatusCompleted, repo.get("item-a").Status)
}

func TestContentWriteFailureFailsItem(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))
	repo.contentErr = errors.New("disk full")

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, FixedDelayPolicy(3, 0))

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, queue.StatusPending, repo.get("item-a").Status)
}

func TestScheduledItemsAreDeferred(t *testing.T) {
	repo := newFakeRepo()
	future := time.Now().Add(time.Hour)
	item := pendingItem("item-a", "stories", "key-a")
	item.ScheduledFor = &future
	repo.add(item)

	step := newFakeStep("generate", nil)
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(context.Background(), "stories", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 0, step.callCount("item-a"))
}

func TestReclaimExpiredLeaseKeepsAttempts(t *testing.T) {
	repo := newFakeRepo()
	expired := time.Now().Add(-time.Minute)
	item := pendingItem("item-a", "stories", "key-a")
	item.Status = queue.StatusProcessing
	item.Attempts = 2
	item.LeaseOwner = "dead-worker"
	item.LeaseExpiresAt = &expired
	repo.add(item)

	live := time.Now().Add(time.Hour)
	held := pendingItem("item-b", "stories", "key-b")
	held.Status = queue.StatusProcessing
	held.LeaseOwner = "live-worker"
	held.LeaseExpiresAt = &live
	repo.add(held)

	d := newTestDispatcher(repo, map[string][]Step{"stories": nil}, DefaultRetryPolicy())

	count, err := d.Reclaim(context.Background(), "stories")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	reclaimed := repo.get("item-a")
	assert.Equal(t, queue.StatusPending, reclaimed.Status)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Empty(t, reclaimed.LeaseOwner)

	// The live lease is untouched.
	assert.Equal(t, queue.StatusProcessing, repo.get("item-b").Status)
}

func TestRunCanceledMidBatch(t *testing.T) {
	repo := newFakeRepo()
	repo.add(pendingItem("item-a", "stories", "key-a"))
	repo.add(pendingItem("item-b", "stories", "key-b"))

	ctx, cancel := context.WithCancel(context.Background())
	step := newFakeStep("generate", func(item *queue.Item) error {
		cancel()
		return nil
	})
	d := newTestDispatcher(repo, map[string][]Step{"stories": {step}}, DefaultRetryPolicy())

	summary, err := d.Run(ctx, "stories", 10)
	require.NoError(t, err)

	// The second candidate is abandoned once the context is canceled.
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, queue.StatusPending, repo.get("item-b").Status)
	assert.Equal(t, 0, repo.get("item-b").Attempts)
}

func TestQueuesAndOwner(t *testing.T) {
	d := newTestDispatcher(newFakeRepo(), map[string][]Step{"stories": nil, "products": nil}, DefaultRetryPolicy())

	assert.ElementsMatch(t, []string{"stories", "products"}, d.Queues())
	assert.NotEmpty(t, d.Owner())
}
