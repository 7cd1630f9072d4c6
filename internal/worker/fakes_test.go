package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"discourse/backend/features/job"
)

// memStore is an in-memory Store with the same claim and fencing rules as
// the Postgres repository.
type memStore struct {
	mu          sync.Mutex
	records     map[string]*job.Record
	completions map[string]int
	claimErrs   int
}

func newMemStore() *memStore {
	return &memStore{
		records:     make(map[string]*job.Record),
		completions: make(map[string]int),
	}
}

func (s *memStore) add(taskName string, payload any, mutate ...func(*job.Record)) string {
	body, _ := json.Marshal(payload)
	now := time.Now().UTC()
	rec := &job.Record{
		ID:          uuid.NewString(),
		TaskName:    taskName,
		TaskHash:    job.ContentHash(body),
		Payload:     body,
		Timeout:     time.Second,
		MaxRetries:  3,
		CreatedAt:   now,
		ScheduledAt: now.Add(-time.Millisecond),
	}
	for _, m := range mutate {
		m(rec)
	}
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return rec.ID
}

func (s *memStore) failNextClaims(n int) {
	s.mu.Lock()
	s.claimErrs = n
	s.mu.Unlock()
}

func (s *memStore) ClaimOne(_ context.Context, now time.Time) (*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimErrs > 0 {
		s.claimErrs--
		return nil, job.ErrConnection
	}

	var due []*job.Record
	for _, r := range s.records {
		if r.DoneAt == nil && r.RunningAt == nil && !r.ScheduledAt.After(now) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })

	rec := due[0]
	t := now
	rec.RunningAt = &t
	cp := *rec
	return &cp, nil
}

func (s *memStore) Complete(_ context.Context, id string, runningAt time.Time, outcome job.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.DoneAt != nil || rec.RunningAt == nil || !rec.RunningAt.Equal(runningAt) {
		return false, nil
	}
	now := time.Now().UTC()
	rec.DoneAt = &now
	rec.Error = outcome.Message()
	s.completions[id]++
	return true, nil
}

func (s *memStore) Reschedule(_ context.Context, id string, runningAt, at time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.DoneAt != nil || rec.RunningAt == nil || !rec.RunningAt.Equal(runningAt) {
		return false, nil
	}
	rec.RunningAt = nil
	rec.Retries++
	rec.ScheduledAt = at
	rec.Error = message
	return true, nil
}

func (s *memStore) ReclaimExpired(_ context.Context, now time.Time) (job.ReclaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res job.ReclaimResult
	for _, rec := range s.records {
		if rec.DoneAt != nil || rec.RunningAt == nil || rec.Timeout <= 0 {
			continue
		}
		if !rec.RunningAt.Add(rec.Timeout).Before(now) {
			continue
		}
		if rec.Retries >= rec.MaxRetries {
			done := now
			rec.DoneAt = &done
			rec.Error = job.TimeoutMessage
			res.Failed++
			continue
		}
		rec.RunningAt = nil
		rec.Retries++
		rec.ScheduledAt = now
		rec.Error = job.TimeoutMessage
		res.Requeued++
	}
	return res, nil
}

func (s *memStore) get(id string) job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *memStore) terminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.DoneAt != nil {
			n++
		}
	}
	return n
}

func (s *memStore) maxCompletions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, c := range s.completions {
		if c > max {
			max = c
		}
	}
	return max
}

type MockStatistics struct{ mock.Mock }

func (m *MockStatistics) RecordProcessed(ctx context.Context, workerID string, rec *job.Record, d time.Duration) error {
	args := m.Called(ctx, workerID, rec, d)
	return args.Error(0)
}

func (m *MockStatistics) RecordFailed(ctx context.Context, workerID string, rec *job.Record, err error, d time.Duration) error {
	args := m.Called(ctx, workerID, rec, err, d)
	return args.Error(0)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

var errBoom = errors.New("boom")
