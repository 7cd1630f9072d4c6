package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"discourse/backend/features/job"
	"discourse/backend/internal/adapter/redisstats"
	"discourse/backend/internal/middleware"
	"discourse/backend/internal/worker"
)

type JobCounter interface {
	Counts(ctx context.Context) (job.Counts, error)
}

// WorkerTotals reports execution counters shared by every process.
type WorkerTotals interface {
	Totals(ctx context.Context) (redisstats.Totals, error)
}

// LocalWorkers reports the polling loops of this process.
type LocalWorkers interface {
	Stats() []worker.WorkerStats
}

type Handler struct {
	jobs    JobCounter
	totals  WorkerTotals
	workers LocalWorkers
}

// NewHandler builds the stats handler. totals and workers may be nil.
func NewHandler(j JobCounter, totals WorkerTotals, workers LocalWorkers) *Handler {
	return &Handler{jobs: j, totals: totals, workers: workers}
}

type StatsResponse struct {
	Jobs    job.Counts           `json:"jobs"`
	Total   int                  `json:"total"`
	Totals  *redisstats.Totals   `json:"totals,omitempty"`
	Workers []worker.WorkerStats `json:"workers,omitempty"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	counts, err := h.jobs.Counts(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Jobs:  counts,
		Total: counts.Total(),
	}

	if h.totals != nil {
		totals, err := h.totals.Totals(ctx)
		if err != nil {
			// Redis counters are advisory; the store counts are still served.
			slog.WarnContext(ctx, "failed to read worker totals", "error", err, "correlationId", correlationID)
		} else {
			resp.Totals = &totals
		}
	}

	if h.workers != nil {
		resp.Workers = h.workers.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
