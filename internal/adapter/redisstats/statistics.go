package redisstats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"discourse/backend/features/job"
)

// maxFailures bounds the failure list kept for inspection.
const maxFailures = 1000

// Statistics keeps resque-style worker counters in Redis.
type Statistics struct {
	pool      *redis.Pool
	namespace string
}

// Totals are the counters aggregated across all workers.
type Totals struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Workers   int64 `json:"workers"`
}

func New(pool *redis.Pool, namespace string) *Statistics {
	return &Statistics{pool: pool, namespace: namespace}
}

// NewPool dials rawURL (redis:// or rediss://) lazily.
func NewPool(rawURL string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawURL,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (s *Statistics) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("PING"); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *Statistics) RecordProcessed(ctx context.Context, workerID string, rec *job.Record, duration time.Duration) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SADD", s.workersKey(), workerID)
	conn.Send("INCR", s.statProcessedKey(""))
	conn.Send("INCR", s.statProcessedKey(workerID))
	conn.Send("SET", s.workerLastKey(workerID), time.Now().UTC().Format(time.RFC3339))
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record processed job: %w", err)
	}
	return nil
}

func (s *Statistics) RecordFailed(ctx context.Context, workerID string, rec *job.Record, jobErr error, duration time.Duration) error {
	failure := map[string]interface{}{
		"failed_at":   time.Now().UTC().Format(time.RFC3339),
		"id":          rec.ID,
		"task_name":   rec.TaskName,
		"task_hash":   rec.TaskHash,
		"retries":     rec.Retries,
		"error":       jobErr.Error(),
		"worker":      workerID,
		"duration_ms": duration.Milliseconds(),
	}
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to marshal failure data: %w", err)
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SADD", s.workersKey(), workerID)
	conn.Send("RPUSH", s.failedKey(), failureJSON)
	conn.Send("LTRIM", s.failedKey(), -maxFailures, -1)
	conn.Send("INCR", s.statFailedKey(""))
	conn.Send("INCR", s.statFailedKey(workerID))
	conn.Send("SET", s.workerLastKey(workerID), time.Now().UTC().Format(time.RFC3339))
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to record failed job: %w", err)
	}
	return nil
}

// Totals returns the global counters.
func (s *Statistics) Totals(ctx context.Context) (Totals, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return Totals{}, err
	}
	defer conn.Close()

	var t Totals
	t.Processed, err = redis.Int64(conn.Do("GET", s.statProcessedKey("")))
	if err != nil && err != redis.ErrNil {
		return Totals{}, fmt.Errorf("failed to get global processed: %w", err)
	}
	t.Failed, err = redis.Int64(conn.Do("GET", s.statFailedKey("")))
	if err != nil && err != redis.ErrNil {
		return Totals{}, fmt.Errorf("failed to get global failed: %w", err)
	}
	t.Workers, err = redis.Int64(conn.Do("SCARD", s.workersKey()))
	if err != nil {
		return Totals{}, fmt.Errorf("failed to get worker count: %w", err)
	}
	return t, nil
}

// WorkerCounts returns the processed and failed counters of one worker.
func (s *Statistics) WorkerCounts(ctx context.Context, workerID string) (processed, failed int64, err error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	processed, err = redis.Int64(conn.Do("GET", s.statProcessedKey(workerID)))
	if err != nil && err != redis.ErrNil {
		return 0, 0, err
	}
	failed, err = redis.Int64(conn.Do("GET", s.statFailedKey(workerID)))
	if err != nil && err != redis.ErrNil {
		return 0, 0, err
	}
	return processed, failed, nil
}

// Forget removes a worker's counters, typically on shutdown.
func (s *Statistics) Forget(ctx context.Context, workerID string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Send("MULTI")
	conn.Send("SREM", s.workersKey(), workerID)
	conn.Send("DEL", s.statProcessedKey(workerID), s.statFailedKey(workerID), s.workerLastKey(workerID))
	if _, err := conn.Do("EXEC"); err != nil {
		return fmt.Errorf("failed to forget worker %s: %w", workerID, err)
	}
	return nil
}

func (s *Statistics) workersKey() string {
	return fmt.Sprintf("%sworkers", s.namespace)
}

func (s *Statistics) statProcessedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:processed", s.namespace)
	}
	return fmt.Sprintf("%sstat:processed:%s", s.namespace, workerID)
}

func (s *Statistics) statFailedKey(workerID string) string {
	if workerID == "" {
		return fmt.Sprintf("%sstat:failed", s.namespace)
	}
	return fmt.Sprintf("%sstat:failed:%s", s.namespace, workerID)
}

func (s *Statistics) workerLastKey(workerID string) string {
	return fmt.Sprintf("%sworker:%s:last_job", s.namespace, workerID)
}

func (s *Statistics) failedKey() string {
	return fmt.Sprintf("%sfailed", s.namespace)
}
