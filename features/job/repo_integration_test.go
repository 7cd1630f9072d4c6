package job_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discourse/backend/features/job"
	"discourse/backend/internal/testutils"
)

type seedJob struct {
	N int `json:"n"`
}

func (seedJob) JobName() string { return "seed" }

func TestPostgresRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	ctx := context.Background()

	for _, mode := range []job.ClaimMode{job.ClaimSkipLocked, job.ClaimConditional} {
		repo := job.NewPostgresRepo(s.DB, job.WithClaimMode(mode))
		enq := job.NewEnqueuer(repo, job.DefaultPolicy())

		t.Run(string(mode)+"/ConcurrentClaimsNeverDuplicate", func(t *testing.T) {
			s.Truncate()
			const records = 40
			for i := 0; i < records; i++ {
				_, err := enq.EnqueueAt(ctx, seedJob{N: i}, time.Now().Add(-time.Minute))
				require.NoError(t, err)
			}

			var (
				mu      sync.Mutex
				claimed = make(map[string]int)
				wg      sync.WaitGroup
			)
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						rec, err := repo.ClaimOne(ctx, time.Now().UTC())
						if !assert.NoError(t, err) {
							return
						}
						if rec == nil {
							continue
						}
						mu.Lock()
						claimed[rec.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Len(t, claimed, records)
			for id, n := range claimed {
				assert.Equal(t, 1, n, "record %s claimed %d times", id, n)
			}

			counts, err := repo.Counts(ctx, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, records, counts.Running)
		})

		t.Run(string(mode)+"/OrderingAndFutureRecords", func(t *testing.T) {
			s.Truncate()
			now := time.Now().UTC()
			_, err := enq.EnqueueAt(ctx, seedJob{N: 2}, now.Add(-time.Second))
			require.NoError(t, err)
			_, err = enq.EnqueueAt(ctx, seedJob{N: 1}, now.Add(-time.Minute))
			require.NoError(t, err)
			_, err = enq.EnqueueAt(ctx, seedJob{N: 3}, now.Add(time.Hour))
			require.NoError(t, err)

			first, err := repo.ClaimOne(ctx, now)
			require.NoError(t, err)
			require.NotNil(t, first)
			assert.JSONEq(t, `{"n":1}`, string(first.Payload))

			second, err := repo.ClaimOne(ctx, now)
			require.NoError(t, err)
			require.NotNil(t, second)
			assert.JSONEq(t, `{"n":2}`, string(second.Payload))

			none, err := repo.ClaimOne(ctx, now)
			require.NoError(t, err)
			assert.Nil(t, none, "future record must not be claimed early")

			later, err := repo.ClaimOne(ctx, now.Add(2*time.Hour))
			require.NoError(t, err)
			require.NotNil(t, later)
			assert.JSONEq(t, `{"n":3}`, string(later.Payload))
		})

		t.Run(string(mode)+"/EmptyStore", func(t *testing.T) {
			s.Truncate()
			rec, err := repo.ClaimOne(ctx, time.Now().UTC())
			assert.NoError(t, err)
			assert.Nil(t, rec)
		})
	}

	repo := job.NewPostgresRepo(s.DB)
	enq := job.NewEnqueuer(repo, job.DefaultPolicy())

	t.Run("CompleteIsIdempotent", func(t *testing.T) {
		s.Truncate()
		hash, err := enq.Enqueue(ctx, seedJob{N: 1})
		require.NoError(t, err)

		rec, err := repo.ClaimOne(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, hash, rec.TaskHash)

		ok, err := repo.Complete(ctx, rec.ID, *rec.RunningAt, job.Succeeded())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Complete(ctx, rec.ID, *rec.RunningAt, job.Failed(assert.AnError))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateSucceeded, got.State(time.Now()))
		assert.Empty(t, got.Error)
	})

	t.Run("FailureIsPersisted", func(t *testing.T) {
		s.Truncate()
		_, err := enq.Enqueue(ctx, seedJob{N: 1})
		require.NoError(t, err)

		rec, err := repo.ClaimOne(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
		require.NotNil(t, rec)

		ok, err := repo.Complete(ctx, rec.ID, *rec.RunningAt, job.Failed(&job.ExecutionError{Kind: "seed", Err: assert.AnError}))
		require.NoError(t, err)
		assert.True(t, ok)

		failed, err := repo.List(ctx, job.ListFilter{State: job.StateFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Contains(t, failed[0].Error, "job seed failed")
	})

	t.Run("ReclaimExpired", func(t *testing.T) {
		s.Truncate()
		repo := job.NewPostgresRepo(s.DB, job.WithReclaimGrace(time.Second))
		short := job.NewEnqueuer(repo, job.Policy{Timeout: time.Second, MaxRetries: 1})
		_, err := short.Enqueue(ctx, seedJob{N: 1})
		require.NoError(t, err)

		start := time.Now().UTC().Add(time.Second)
		rec, err := repo.ClaimOne(ctx, start)
		require.NoError(t, err)
		require.NotNil(t, rec)

		res, err := repo.ReclaimExpired(ctx, start.Add(500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, job.ReclaimResult{}, res)

		// Past the timeout but inside the grace: the worker may still finish.
		res, err = repo.ReclaimExpired(ctx, start.Add(1500*time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, job.ReclaimResult{}, res)

		res, err = repo.ReclaimExpired(ctx, start.Add(3*time.Second))
		require.NoError(t, err)
		assert.Equal(t, job.ReclaimResult{Requeued: 1}, res)

		// The stalled worker's claim is fenced off.
		ok, err := repo.Complete(ctx, rec.ID, *rec.RunningAt, job.Succeeded())
		require.NoError(t, err)
		assert.False(t, ok)

		again, err := repo.ClaimOne(ctx, start.Add(4*time.Second))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, rec.ID, again.ID)
		assert.Equal(t, 1, again.Retries)

		res, err = repo.ReclaimExpired(ctx, start.Add(10*time.Second))
		require.NoError(t, err)
		assert.Equal(t, job.ReclaimResult{Failed: 1}, res)

		got, err := repo.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateFailed, got.State(time.Now()))
		assert.Equal(t, job.TimeoutMessage, got.Error)
	})
}
