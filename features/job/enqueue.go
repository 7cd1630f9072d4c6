package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Inserter is the slice of the store the Enqueuer needs.
type Inserter interface {
	Insert(ctx context.Context, rec *Record) error
}

// Enqueuer persists job instances as pending records.
type Enqueuer struct {
	store  Inserter
	policy Policy
	now    func() time.Time
}

func NewEnqueuer(store Inserter, policy Policy) *Enqueuer {
	return &Enqueuer{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores j for immediate execution and returns its content hash.
//
// The hash identifies the payload for tracing only. Identical payloads
// enqueued twice produce two independent records with the same hash.
func (e *Enqueuer) Enqueue(ctx context.Context, j Job) (string, error) {
	return e.EnqueueAt(ctx, j, e.now())
}

// EnqueueAt stores j so that it becomes eligible at the given time.
func (e *Enqueuer) EnqueueAt(ctx context.Context, j Job, at time.Time) (string, error) {
	if j == nil {
		return "", fmt.Errorf("%w: nil job", ErrSerialization)
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s payload: %v", ErrSerialization, j.JobName(), err)
	}

	hash := ContentHash(payload)
	now := e.now()
	rec := &Record{
		ID:          uuid.NewString(),
		TaskName:    j.JobName(),
		TaskHash:    hash,
		Payload:     payload,
		Timeout:     e.policy.Timeout,
		MaxRetries:  e.policy.MaxRetries,
		Retries:     0,
		CreatedAt:   now,
		ScheduledAt: at.UTC(),
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	slog.InfoContext(ctx, "job enqueued", "task_name", rec.TaskName, "task_hash", hash, "job_id", rec.ID, "scheduled_at", rec.ScheduledAt)
	return hash, nil
}

// ContentHash returns the hex SHA-256 of a serialized payload.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
