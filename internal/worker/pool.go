package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"discourse/backend/features/job"
	"discourse/backend/internal/middleware"
)

var ErrPoolRunning = errors.New("worker pool already running")

// Option configures a Pool.
type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithReapInterval enables the timeout sweep. Zero disables it.
func WithReapInterval(d time.Duration) Option {
	return func(p *Pool) { p.reapInterval = d }
}

func WithRetryPolicy(rp RetryPolicy) Option {
	return func(p *Pool) { p.retry = rp }
}

func WithStatistics(s Statistics) Option {
	return func(p *Pool) {
		if s != nil {
			p.stats = s
		}
	}
}

// WithEventPublisher publishes an Event to topic for every finished record.
func WithEventPublisher(pub EventPublisher, topic string) Option {
	return func(p *Pool) {
		p.publisher = pub
		p.topic = topic
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool runs a fixed number of polling loops against a Store. Each loop
// claims one record at a time, executes it and persists the outcome.
type Pool struct {
	store      Store
	dispatcher Dispatcher
	stats      Statistics
	publisher  EventPublisher
	topic      string
	retry      RetryPolicy
	now        func() time.Time

	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration

	running atomic.Bool
	mu      sync.Mutex
	workers []*workerState
}

type workerState struct {
	id         string
	processed  atomic.Int64
	failed     atomic.Int64
	inProgress atomic.Bool
	startTime  time.Time
	lastJob    atomic.Int64
}

func NewPool(store Store, dispatcher Dispatcher, opts ...Option) *Pool {
	p := &Pool{
		store:        store,
		dispatcher:   dispatcher,
		stats:        noopStatistics{},
		now:          func() time.Time { return time.Now().UTC() },
		concurrency:  4,
		pollInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the polling loops and blocks until ctx is cancelled and every
// loop has finished its current record.
func (p *Pool) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPoolRunning
	}
	defer p.running.Store(false)

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	pid := os.Getpid()

	workers := make([]*workerState, p.concurrency)
	for i := range workers {
		workers[i] = &workerState{
			id:        fmt.Sprintf("%s:%d-%d", host, pid, i),
			startTime: p.now(),
		}
	}
	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	slog.InfoContext(ctx, "worker pool started",
		"workers", p.concurrency, "poll_interval", p.pollInterval.String())

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerState) {
			defer wg.Done()
			p.loop(ctx, w)
		}(w)
	}

	if p.reapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reapLoop(ctx)
		}()
	}

	wg.Wait()
	slog.InfoContext(ctx, "worker pool stopped")
	return nil
}

// Stats returns a snapshot of every loop started by the last Run.
func (p *Pool) Stats() []WorkerStats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	out := make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		s := WorkerStats{
			ID:         w.id,
			Processed:  w.processed.Load(),
			Failed:     w.failed.Load(),
			InProgress: w.inProgress.Load(),
			StartTime:  w.startTime,
		}
		if ts := w.lastJob.Load(); ts > 0 {
			s.LastJob = time.Unix(0, ts).UTC()
		}
		out = append(out, s)
	}
	return out
}

func (p *Pool) loop(ctx context.Context, w *workerState) {
	ctx = middleware.WithWorkerID(ctx, w.id)
	for sleep(ctx, p.pollInterval) {
		if _, err := p.processNext(ctx, w); err != nil {
			slog.ErrorContext(ctx, "job loop iteration failed",
				"error", err, "connection", job.IsConnectionError(err))
		}
	}
}

// processNext claims and executes at most one record. It reports whether a
// record was claimed.
func (p *Pool) processNext(ctx context.Context, w *workerState) (bool, error) {
	rec, err := p.store.ClaimOne(ctx, p.now())
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("claim: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	w.inProgress.Store(true)
	defer w.inProgress.Store(false)

	jobCtx := middleware.WithJobID(ctx, rec.ID)
	// The claimed record is finished even if shutdown starts mid-run.
	persistCtx := context.WithoutCancel(jobCtx)

	slog.DebugContext(jobCtx, "job claimed", "task_name", rec.TaskName, "retries", rec.Retries)

	start := time.Now()
	execErr := p.execute(persistCtx, rec)
	elapsed := time.Since(start)
	w.lastJob.Store(p.now().UnixNano())

	var runningAt time.Time
	if rec.RunningAt != nil {
		runningAt = *rec.RunningAt
	}

	if p.retry.ShouldRetry(rec, execErr) {
		at := p.now().Add(p.retry.Delay(rec.Retries))
		ok, err := p.store.Reschedule(persistCtx, rec.ID, runningAt, at, execErr.Error())
		if err != nil {
			return true, fmt.Errorf("reschedule %s: %w", rec.ID, err)
		}
		if !ok {
			slog.WarnContext(jobCtx, "job reschedule ignored, record no longer held", "task_name", rec.TaskName)
			return true, nil
		}
		w.failed.Add(1)
		p.recordStats(persistCtx, w.id, rec, execErr, elapsed)
		slog.WarnContext(jobCtx, "job failed, rescheduled",
			"task_name", rec.TaskName, "error", execErr, "retries", rec.Retries+1, "scheduled_at", at)
		return true, nil
	}

	ok, err := p.store.Complete(persistCtx, rec.ID, runningAt, job.Outcome{Err: execErr})
	if err != nil {
		return true, fmt.Errorf("complete %s: %w", rec.ID, err)
	}
	if !ok {
		slog.WarnContext(jobCtx, "job completion ignored, record no longer held", "task_name", rec.TaskName)
		return true, nil
	}

	if execErr != nil {
		w.failed.Add(1)
		slog.ErrorContext(jobCtx, "job failed", "task_name", rec.TaskName, "error", execErr)
	} else {
		w.processed.Add(1)
		slog.InfoContext(jobCtx, "job succeeded", "task_name", rec.TaskName, "duration_ms", elapsed.Milliseconds())
	}
	p.recordStats(persistCtx, w.id, rec, execErr, elapsed)
	p.publish(persistCtx, w.id, rec, execErr, elapsed)
	return true, nil
}

// execute runs the routine for rec under its timeout, counted from the
// claim's running_at so it expires no later than the timeout sweep would
// reclaim the record. A panic in the routine is converted into an
// *job.ExecutionError.
func (p *Pool) execute(ctx context.Context, rec *job.Record) (err error) {
	if rec.Timeout > 0 {
		deadline := time.Now().Add(rec.Timeout)
		if rec.RunningAt != nil {
			deadline = rec.RunningAt.Add(rec.Timeout)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = &job.ExecutionError{Kind: rec.TaskName, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	return p.dispatcher.Dispatch(ctx, rec.TaskName, rec.Payload)
}

func (p *Pool) recordStats(ctx context.Context, workerID string, rec *job.Record, execErr error, d time.Duration) {
	var err error
	if execErr != nil {
		err = p.stats.RecordFailed(ctx, workerID, rec, execErr, d)
	} else {
		err = p.stats.RecordProcessed(ctx, workerID, rec, d)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to record worker statistics", "error", err)
	}
}

func (p *Pool) publish(ctx context.Context, workerID string, rec *job.Record, execErr error, d time.Duration) {
	if p.publisher == nil || p.topic == "" {
		return
	}
	ev := Event{
		ID:         rec.ID,
		TaskName:   rec.TaskName,
		TaskHash:   rec.TaskHash,
		Status:     job.StateSucceeded,
		Retries:    rec.Retries,
		WorkerID:   workerID,
		FinishedAt: p.now(),
		DurationMS: d.Milliseconds(),
	}
	if execErr != nil {
		ev.Status = job.StateFailed
		ev.Error = execErr.Error()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.WarnContext(ctx, "failed to marshal job event", "error", err)
		return
	}
	if err := p.publisher.Publish(p.topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish job event", "error", err, "topic", p.topic)
	}
}

// sleep waits for d or until ctx is done. It reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
