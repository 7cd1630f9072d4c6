package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"discourse/backend/features/job"
	"discourse/backend/internal/middleware"
)

// Enqueuer is satisfied by *job.Enqueuer.
type Enqueuer interface {
	Enqueue(ctx context.Context, j job.Job) (string, error)
}

type Handler struct {
	enqueuer Enqueuer
}

func NewHandler(e Enqueuer) *Handler {
	return &Handler{enqueuer: e}
}

func (h *Handler) EnqueueWelcomeEmail(w http.ResponseWriter, r *http.Request) {
	var req WelcomeEmail
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	h.enqueue(w, r, req, "Welcome email job enqueued successfully")
}

func (h *Handler) EnqueueProcessTopic(w http.ResponseWriter, r *http.Request) {
	var req ProcessTopic
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	h.enqueue(w, r, req, "Process topic job enqueued successfully")
}

type validatable interface {
	job.Job
	Validate() error
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, j validatable, message string) {
	ctx := r.Context()
	if err := j.Validate(); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := h.enqueuer.Enqueue(ctx, j)
	if err != nil {
		slog.ErrorContext(ctx, "failed to enqueue job", "task_name", j.JobName(), "error", err,
			"connection", job.IsConnectionError(err))
		status := http.StatusInternalServerError
		if errors.Is(err, job.ErrConnection) {
			status = http.StatusServiceUnavailable
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to enqueue job", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]interface{}{
		"data": map[string]string{
			"message":   message,
			"task_hash": hash,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
