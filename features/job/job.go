package job

import (
	"encoding/json"
	"time"
)

// Job is a unit of work that can be enqueued. The name selects the
// registered Definition that executes it.
type Job interface {
	JobName() string
}

// State is the derived lifecycle state of a Record.
type State string

const (
	StateScheduled State = "scheduled"
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Record is a persisted unit of work in the background_jobs table.
type Record struct {
	ID          string          `json:"id"`
	TaskName    string          `json:"task_name"`
	TaskHash    string          `json:"task_hash"`
	Payload     json.RawMessage `json:"payload"`
	Timeout     time.Duration   `json:"-"`
	MaxRetries  int             `json:"max_retries"`
	Retries     int             `json:"retries"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	RunningAt   *time.Time      `json:"running_at,omitempty"`
	DoneAt      *time.Time      `json:"done_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type recordJSON Record

// MarshalJSON encodes Timeout as timeout_msecs, the unit it is stored in.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		recordJSON
		TimeoutMsecs int64 `json:"timeout_msecs"`
	}{recordJSON(r), r.Timeout.Milliseconds()})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var v struct {
		recordJSON
		TimeoutMsecs int64 `json:"timeout_msecs"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Record(v.recordJSON)
	r.Timeout = time.Duration(v.TimeoutMsecs) * time.Millisecond
	return nil
}

// State reports the record's lifecycle state as observed at now.
func (r *Record) State(now time.Time) State {
	switch {
	case r.DoneAt != nil && r.Error != "":
		return StateFailed
	case r.DoneAt != nil:
		return StateSucceeded
	case r.RunningAt != nil:
		return StateRunning
	case r.ScheduledAt.After(now):
		return StateScheduled
	default:
		return StatePending
	}
}

// Terminal reports whether the record has finished and can never be claimed again.
func (r *Record) Terminal() bool {
	return r.DoneAt != nil
}

// Policy holds the process-wide defaults stamped on every enqueued record.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultPolicy mirrors the forum's historical defaults: 30s timeout, 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}

// Outcome is the result of executing a claimed record. A nil Err means success.
type Outcome struct {
	Err error
}

// Succeeded returns a successful Outcome.
func Succeeded() Outcome { return Outcome{} }

// Failed returns a failed Outcome carrying err.
func Failed(err error) Outcome { return Outcome{Err: err} }

// Message returns the error text persisted for a failed outcome.
func (o Outcome) Message() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Counts is a snapshot of the table grouped by lifecycle state.
type Counts struct {
	Scheduled int `json:"scheduled"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of records across all states.
func (c Counts) Total() int {
	return c.Scheduled + c.Pending + c.Running + c.Succeeded + c.Failed
}

// ReclaimResult reports what a timeout sweep did.
type ReclaimResult struct {
	Requeued int64
	Failed   int64
}
