package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Reader is the read side of the store used for inspection.
type Reader interface {
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Counts(ctx context.Context, now time.Time) (Counts, error)
}

// Service answers questions about persisted records. Producers observe
// outcomes only through it; nothing is pushed back to them.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, sql.ErrNoRows
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	if filter.Now.IsZero() {
		filter.Now = time.Now().UTC()
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.Counts(ctx, time.Now().UTC())
}
