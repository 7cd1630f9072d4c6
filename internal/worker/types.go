package worker

import (
	"context"
	"time"

	"discourse/backend/features/job"
)

// Store is the slice of the job store the pool drives.
type Store interface {
	ClaimOne(ctx context.Context, now time.Time) (*job.Record, error)
	Complete(ctx context.Context, id string, runningAt time.Time, outcome job.Outcome) (bool, error)
	Reschedule(ctx context.Context, id string, runningAt, at time.Time, message string) (bool, error)
	ReclaimExpired(ctx context.Context, now time.Time) (job.ReclaimResult, error)
}

// Dispatcher runs the routine registered for a task name.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload []byte) error
}

// Statistics records per-worker execution counters.
type Statistics interface {
	RecordProcessed(ctx context.Context, workerID string, rec *job.Record, duration time.Duration) error
	RecordFailed(ctx context.Context, workerID string, rec *job.Record, err error, duration time.Duration) error
}

// EventPublisher is satisfied by *nsq.Producer.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Event is published after a record reaches a terminal state.
type Event struct {
	ID         string    `json:"id"`
	TaskName   string    `json:"task_name"`
	TaskHash   string    `json:"task_hash"`
	Status     job.State `json:"status"`
	Error      string    `json:"error,omitempty"`
	Retries    int       `json:"retries"`
	WorkerID   string    `json:"worker_id"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

// WorkerStats is a point-in-time view of one polling loop.
type WorkerStats struct {
	ID         string    `json:"id"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	InProgress bool      `json:"in_progress"`
	StartTime  time.Time `json:"start_time"`
	LastJob    time.Time `json:"last_job,omitempty"`
}

type noopStatistics struct{}

func (noopStatistics) RecordProcessed(context.Context, string, *job.Record, time.Duration) error {
	return nil
}

func (noopStatistics) RecordFailed(context.Context, string, *job.Record, error, time.Duration) error {
	return nil
}
