package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discourse/backend/features/job"
	"discourse/backend/internal/worker"
)

func TestPool_Reap(t *testing.T) {
	store := newMemStore()
	stuckAt := time.Now().UTC().Add(-time.Hour)

	requeue := store.add("stuck", countPayload{}, func(r *job.Record) {
		r.RunningAt = &stuckAt
		r.Retries = 1
	})
	exhausted := store.add("stuck", countPayload{}, func(r *job.Record) {
		r.RunningAt = &stuckAt
		r.Retries = 3
	})
	noTimeout := store.add("stuck", countPayload{}, func(r *job.Record) {
		r.RunningAt = &stuckAt
		r.Timeout = 0
	})

	pool := worker.NewPool(store, mustRegistry(t))
	pool.Reap(context.Background())

	rec := store.get(requeue)
	assert.Nil(t, rec.RunningAt)
	assert.Equal(t, 2, rec.Retries)
	assert.Equal(t, job.TimeoutMessage, rec.Error)
	assert.Equal(t, job.StatePending, rec.State(time.Now()))

	rec = store.get(exhausted)
	assert.Equal(t, job.StateFailed, rec.State(time.Now()))
	assert.Equal(t, job.TimeoutMessage, rec.Error)

	rec = store.get(noTimeout)
	assert.Equal(t, job.StateRunning, rec.State(time.Now()))
}

func TestPool_ReapLoopRequeuesForWorkers(t *testing.T) {
	store := newMemStore()
	stuckAt := time.Now().UTC().Add(-time.Hour)
	id := store.add("ok", countPayload{}, func(r *job.Record) { r.RunningAt = &stuckAt })

	reg := mustRegistry(t, job.Define("ok", func(ctx context.Context, p countPayload) error { return nil }))
	pool := worker.NewPool(store, reg,
		worker.WithConcurrency(1),
		worker.WithPollInterval(time.Millisecond),
		worker.WithReapInterval(5*time.Millisecond),
	)
	startPool(t, pool)

	require.Eventually(t, func() bool { return store.terminal() == 1 }, 5*time.Second, 5*time.Millisecond)
	rec := store.get(id)
	assert.Equal(t, job.StateSucceeded, rec.State(time.Now()))
	assert.Equal(t, 1, rec.Retries)
}
