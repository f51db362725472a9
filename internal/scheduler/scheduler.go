package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/groovecrate/batchd/internal/dispatcher"
)

// QueueSchedule binds one queue to a cron expression and batch size.
type QueueSchedule struct {
	QueueName string
	CronExpr  string
	BatchSize int
}

// queueEntry tracks a registered queue schedule
type queueEntry struct {
	schedule QueueSchedule
	cronID   cron.EntryID
	mu       sync.Mutex // skip a run while the previous one is still going
	lastRun  time.Time
	lastErr  string
}

// Runner is the dispatch surface the scheduler drives.
type Runner interface {
	Run(ctx context.Context, queueName string, batchSize int) (*dispatcher.Summary, error)
	Reclaim(ctx context.Context, queueName string) (int64, error)
}

// Scheduler triggers dispatch runs on cron schedules and periodically
// reclaims expired leases so stuck processing rows recover without manual
// intervention.
type Scheduler struct {
	logger          *slog.Logger
	runner          Runner
	cron            *cron.Cron
	entries         map[string]*queueEntry
	reclaimInterval time.Duration
	runTimeout      time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	running         bool
	mu              sync.Mutex
}

// Config holds scheduler configuration
type Config struct {
	Logger          *slog.Logger
	Runner          Runner
	Schedules       []QueueSchedule
	ReclaimInterval time.Duration
	RunTimeout      time.Duration
}

// New creates a scheduler with the given queue schedules registered.
func New(cfg *Config) *Scheduler {
	reclaimInterval := cfg.ReclaimInterval
	if reclaimInterval <= 0 {
		reclaimInterval = 5 * time.Minute
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 2 * time.Minute
	}

	s := &Scheduler{
		logger:          cfg.Logger,
		runner:          cfg.Runner,
		cron:            cron.New(),
		entries:         make(map[string]*queueEntry),
		reclaimInterval: reclaimInterval,
		runTimeout:      runTimeout,
		stopCh:          make(chan struct{}),
	}

	for _, sched := range cfg.Schedules {
		s.entries[sched.QueueName] = &queueEntry{schedule: sched}
	}
	return s
}

// Start registers the cron entries and launches the reclaim loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	for name, entry := range s.entries {
		expr := entry.schedule.CronExpr
		if expr == "" {
			expr = "*/1 * * * *" // Default: every minute
		}

		queueName := name
		id, err := s.cron.AddFunc(expr, func() {
			s.runQueue(queueName)
		})
		if err != nil {
			return fmt.Errorf("failed to add cron entry for queue %s: %w", name, err)
		}
		entry.cronID = id

		s.logger.Info("Queue schedule registered",
			slog.String("queue", name),
			slog.String("cron_expr", expr),
			slog.Int("batch_size", entry.schedule.BatchSize),
		)
	}

	s.cron.Start()
	s.running = true

	s.wg.Add(1)
	go s.reclaimLoop()

	s.logger.Info("Scheduler started",
		slog.Int("queues", len(s.entries)),
		slog.Duration("reclaim_interval", s.reclaimInterval),
	)
	return nil
}

// Stop halts cron scheduling, waits for in-flight runs, and stops the
// reclaim loop. Blocks until done or ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", ctx.Err())
	}
}

// runQueue executes one dispatch batch for the queue. If the previous run
// for the same queue is still in flight, this tick is skipped rather than
// stacking concurrent runs.
func (s *Scheduler) runQueue(queueName string) {
	entry, ok := s.entries[queueName]
	if !ok {
		return
	}

	if !entry.mu.TryLock() {
		s.logger.Warn("Previous run still in progress, skipping tick",
			slog.String("queue", queueName),
		)
		return
	}
	defer entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	entry.lastRun = time.Now()
	summary, err := s.runner.Run(ctx, queueName, entry.schedule.BatchSize)
	if err != nil {
		entry.lastErr = err.Error()
		s.logger.Error("Scheduled dispatch run failed",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		return
	}

	entry.lastErr = ""
	if summary.Processed > 0 || summary.Skipped > 0 {
		s.logger.Info("Scheduled dispatch run finished",
			slog.String("queue", queueName),
			slog.Int("processed", summary.Processed),
			slog.Int("successful", summary.Successful),
			slog.Int("skipped", summary.Skipped),
		)
	}
}

// reclaimLoop periodically returns expired leases to pending.
func (s *Scheduler) reclaimLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for queueName := range s.entries {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				count, err := s.runner.Reclaim(ctx, queueName)
				cancel()
				if err != nil {
					s.logger.Error("Lease reclaim failed",
						slog.String("queue", queueName),
						slog.String("error", err.Error()),
					)
					continue
				}
				if count > 0 {
					s.logger.Info("Expired leases reclaimed",
						slog.String("queue", queueName),
						slog.Int64("count", count),
					)
				}
			}
		}
	}
}
