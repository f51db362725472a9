package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groovecrate/batchd/internal/dispatcher"
)

type fakeRunner struct {
	runs     atomic.Int32
	reclaims atomic.Int32
	block    chan struct{} // when set, Run blocks until closed
	mu       sync.Mutex
	batches  map[string]int
}

func (r *fakeRunner) Run(ctx context.Context, queueName string, batchSize int) (*dispatcher.Summary, error) {
	r.runs.Add(1)
	r.mu.Lock()
	if r.batches == nil {
		r.batches = make(map[string]int)
	}
	r.batches[queueName] = batchSize
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return &dispatcher.Summary{QueueName: queueName}, nil
}

func (r *fakeRunner) Reclaim(ctx context.Context, queueName string) (int64, error) {
	r.reclaims.Add(1)
	return 1, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunQueueOverlapSkipped(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}

	s := New(&Config{
		Logger:     testLogger(),
		Runner:     runner,
		Schedules:  []QueueSchedule{{QueueName: "stories", BatchSize: 5}},
		RunTimeout: time.Minute,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runQueue("stories")
	}()

	// Wait until the first run is inside the runner.
	require.Eventually(t, func() bool {
		return runner.runs.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// A second tick while the first is in flight must be dropped.
	s.runQueue("stories")
	assert.Equal(t, int32(1), runner.runs.Load())

	close(block)
	wg.Wait()

	// With the first run finished the next tick goes through.
	s.runQueue("stories")
	assert.Equal(t, int32(2), runner.runs.Load())

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 5, runner.batches["stories"])
}

func TestRunQueueUnknownQueueIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(&Config{
		Logger:    testLogger(),
		Runner:    runner,
		Schedules: []QueueSchedule{{QueueName: "stories"}},
	})

	s.runQueue("nonexistent")
	assert.Equal(t, int32(0), runner.runs.Load())
}

func TestReclaimLoop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(&Config{
		Logger:          testLogger(),
		Runner:          runner,
		Schedules:       []QueueSchedule{{QueueName: "stories"}, {QueueName: "products"}},
		ReclaimInterval: 20 * time.Millisecond,
	})

	require.NoError(t, s.Start())

	// Two queues per tick; wait for at least one full tick.
	require.Eventually(t, func() bool {
		return runner.reclaims.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStartTwice(t *testing.T) {
	s := New(&Config{
		Logger:    testLogger(),
		Runner:    &fakeRunner{},
		Schedules: []QueueSchedule{{QueueName: "stories"}},
	})

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopWithoutStart(t *testing.T) {
	s := New(&Config{
		Logger:    testLogger(),
		Runner:    &fakeRunner{},
		Schedules: []QueueSchedule{{QueueName: "stories"}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestInvalidCronExpr(t *testing.T) {
	s := New(&Config{
		Logger:    testLogger(),
		Runner:    &fakeRunner{},
		Schedules: []QueueSchedule{{QueueName: "stories", CronExpr: "not a cron"}},
	})

	assert.Error(t, s.Start())
}
