package job_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"discourse/backend/features/job"
)

type MockReader struct {
	mock.Mock
}

func (m *MockReader) Get(ctx context.Context, id string) (*job.Record, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Record), args.Error(1)
}

func (m *MockReader) List(ctx context.Context, filter job.ListFilter) ([]job.Record, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Record), args.Error(1)
}

func (m *MockReader) Counts(ctx context.Context, now time.Time) (job.Counts, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(job.Counts), args.Error(1)
}

const sampleID = "3f0c1f7e-8b8a-4c55-9d2e-1f1b2c3d4e5f"

func TestHandler_List(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))

		repo.On("List", mock.Anything, mock.MatchedBy(func(f job.ListFilter) bool {
			return f.State == job.StateFailed && f.TaskName == "welcome_email" && f.Limit == 10 && f.Offset == 5 && !f.Now.IsZero()
		})).Return([]job.Record{{ID: sampleID, TaskName: "welcome_email"}}, nil)

		req := httptest.NewRequest("GET", "/jobs?state=failed&task_name=welcome_email&limit=10&offset=5", nil)
		w := httptest.NewRecorder()
		h.List(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data []job.Record   `json:"data"`
			Meta map[string]int `json:"meta"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Data, 1)
		assert.Equal(t, 1, resp.Meta["count"])
	})

	t.Run("Empty Returns Array", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))
		repo.On("List", mock.Anything, mock.Anything).Return(nil, nil)

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest("GET", "/jobs", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"data":[],"meta":{"count":0}}`, w.Body.String())
	})

	t.Run("Invalid Arguments", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=abc", "limit=501", "offset=-1", "state=archived"} {
			repo := new(MockReader)
			h := job.NewHandler(job.NewService(repo))

			w := httptest.NewRecorder()
			h.List(w, httptest.NewRequest("GET", "/jobs?"+q, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code, q)
			assert.Contains(t, w.Body.String(), "INVALID_ARGUMENT")
			repo.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
		}
	})

	t.Run("Store Error", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))
		repo.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

		w := httptest.NewRecorder()
		h.List(w, httptest.NewRequest("GET", "/jobs", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})
}

func TestHandler_Get(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))
		repo.On("Get", mock.Anything, sampleID).Return(&job.Record{ID: sampleID, TaskName: "process_topic", Timeout: 30 * time.Second}, nil)

		req := httptest.NewRequest("GET", "/jobs/"+sampleID, nil)
		req.SetPathValue("id", sampleID)
		w := httptest.NewRecorder()
		h.Get(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"task_name":"process_topic"`)
		assert.Contains(t, w.Body.String(), `"timeout_msecs":30000`)
		assert.NotContains(t, w.Body.String(), `"timeout":`)
	})

	t.Run("Not Found", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))
		repo.On("Get", mock.Anything, sampleID).Return(nil, sql.ErrNoRows)

		req := httptest.NewRequest("GET", "/jobs/"+sampleID, nil)
		req.SetPathValue("id", sampleID)
		w := httptest.NewRecorder()
		h.Get(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "NOT_FOUND")
	})

	t.Run("Malformed ID", func(t *testing.T) {
		repo := new(MockReader)
		h := job.NewHandler(job.NewService(repo))

		req := httptest.NewRequest("GET", "/jobs/not-a-uuid", nil)
		req.SetPathValue("id", "not-a-uuid")
		w := httptest.NewRecorder()
		h.Get(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})
}

func TestRecord_JSONTimeoutInMilliseconds(t *testing.T) {
	running := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := job.Record{
		ID:         sampleID,
		TaskName:   "welcome_email",
		Payload:    json.RawMessage(`{"user_id":7}`),
		Timeout:    1500 * time.Millisecond,
		MaxRetries: 3,
		RunningAt:  &running,
	}

	body, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.EqualValues(t, 1500, raw["timeout_msecs"])
	assert.NotContains(t, raw, "timeout")
	assert.Equal(t, "welcome_email", raw["task_name"])

	var back job.Record
	require.NoError(t, json.Unmarshal(body, &back))
	assert.Equal(t, 1500*time.Millisecond, back.Timeout)
	assert.Equal(t, rec.ID, back.ID)
	assert.True(t, running.Equal(*back.RunningAt))
}

func TestService_Counts(t *testing.T) {
	repo := new(MockReader)
	svc := job.NewService(repo)
	repo.On("Counts", mock.Anything, mock.AnythingOfType("time.Time")).Return(job.Counts{Pending: 2, Failed: 1}, nil)

	c, err := svc.Counts(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, c.Total())
}
