package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository is the durable job store.
type Repository interface {
	Insert(ctx context.Context, rec *Record) error
	ClaimOne(ctx context.Context, now time.Time) (*Record, error)
	Complete(ctx context.Context, id string, runningAt time.Time, outcome Outcome) (bool, error)
	Reschedule(ctx context.Context, id string, runningAt, at time.Time, message string) (bool, error)
	ReclaimExpired(ctx context.Context, now time.Time) (ReclaimResult, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Counts(ctx context.Context, now time.Time) (Counts, error)
}

// ClaimMode selects how ClaimOne acquires a row.
type ClaimMode string

const (
	// ClaimSkipLocked locks the oldest due row with FOR UPDATE SKIP LOCKED
	// and marks it running in the same transaction.
	ClaimSkipLocked ClaimMode = "skip_locked"
	// ClaimConditional marks a candidate running with an UPDATE guarded by
	// running_at IS NULL, for stores without SKIP LOCKED.
	ClaimConditional ClaimMode = "conditional"
)

// ParseClaimMode validates a configured claim mode.
func ParseClaimMode(s string) (ClaimMode, error) {
	switch ClaimMode(s) {
	case ClaimSkipLocked, ClaimConditional:
		return ClaimMode(s), nil
	}
	return "", fmt.Errorf("unknown claim mode %q", s)
}

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	State    State
	TaskName string
	Limit    int
	Offset   int
	Now      time.Time
}

// TimeoutMessage is persisted on records reclaimed by the timeout sweep.
const TimeoutMessage = "job timed out"

const columns = `id, task_name, task_hash, payload, timeout_msecs, max_retries, retries, created_at, scheduled_at, running_at, done_at, error`

// pendingClause matches records that are due and neither running nor terminal.
const pendingClause = `done_at IS NULL AND running_at IS NULL AND scheduled_at <= $1`

type PostgresRepo struct {
	db         *sql.DB
	mode       ClaimMode
	candidates int
	grace      time.Duration
}

// DefaultReclaimGrace is how long past its timeout a running record is left
// to its worker before the sweep reclaims it.
const DefaultReclaimGrace = 5 * time.Second

type RepoOption func(*PostgresRepo)

// WithClaimMode selects the claim strategy. The default is ClaimSkipLocked.
func WithClaimMode(mode ClaimMode) RepoOption {
	return func(r *PostgresRepo) { r.mode = mode }
}

// WithCandidateBatch sets how many candidates ClaimConditional reads per attempt.
func WithCandidateBatch(n int) RepoOption {
	return func(r *PostgresRepo) {
		if n > 0 {
			r.candidates = n
		}
	}
}

// WithReclaimGrace sets the margin ReclaimExpired adds to each record's timeout.
func WithReclaimGrace(d time.Duration) RepoOption {
	return func(r *PostgresRepo) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func NewPostgresRepo(db *sql.DB, opts ...RepoOption) *PostgresRepo {
	r := &PostgresRepo{db: db, mode: ClaimSkipLocked, candidates: 5, grace: DefaultReclaimGrace}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mode returns the configured claim strategy.
func (r *PostgresRepo) Mode() ClaimMode {
	return r.mode
}

func (r *PostgresRepo) Insert(ctx context.Context, rec *Record) error {
	query := `INSERT INTO background_jobs (id, task_name, task_hash, payload, timeout_msecs, max_retries, retries, created_at, scheduled_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.TaskName, rec.TaskHash, string(rec.Payload),
		rec.Timeout.Milliseconds(), rec.MaxRetries, rec.Retries,
		rec.CreatedAt, rec.ScheduledAt)
	return wrapStoreError(err)
}

// ClaimOne atomically moves the oldest due record from pending to running and
// returns it. It returns (nil, nil) when nothing is due.
func (r *PostgresRepo) ClaimOne(ctx context.Context, now time.Time) (*Record, error) {
	var (
		rec *Record
		err error
	)
	if r.mode == ClaimConditional {
		rec, err = r.claimConditional(ctx, now)
	} else {
		rec, err = r.claimSkipLocked(ctx, now)
	}
	return rec, wrapStoreError(err)
}

func (r *PostgresRepo) claimSkipLocked(ctx context.Context, now time.Time) (*Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	query := `SELECT id FROM background_jobs WHERE ` + pendingClause + ` ORDER BY scheduled_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	if err := tx.QueryRowContext(ctx, query, now).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	update := `UPDATE background_jobs SET running_at = $2 WHERE id = $1 RETURNING ` + columns
	rec, err := scanRecord(tx.QueryRowContext(ctx, update, id, now))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *PostgresRepo) claimConditional(ctx context.Context, now time.Time) (*Record, error) {
	query := `SELECT id FROM background_jobs WHERE ` + pendingClause + ` ORDER BY scheduled_at ASC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, now, r.candidates)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A candidate may have been claimed and rescheduled since the SELECT.
	update := `UPDATE background_jobs SET running_at = $2 WHERE id = $1 AND running_at IS NULL AND done_at IS NULL AND scheduled_at <= $2 RETURNING ` + columns
	for _, id := range ids {
		rec, err := scanRecord(r.db.QueryRowContext(ctx, update, id, now))
		if errors.Is(err, sql.ErrNoRows) {
			// another claimant won this row
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// Complete marks a running record terminal. It only applies to the claim
// identified by runningAt; on terminal or reclaimed records it does nothing
// and reports false.
func (r *PostgresRepo) Complete(ctx context.Context, id string, runningAt time.Time, outcome Outcome) (bool, error) {
	var errText sql.NullString
	if outcome.Err != nil {
		errText = sql.NullString{String: outcome.Message(), Valid: true}
	}

	query := `UPDATE background_jobs SET done_at = $3, error = $4 WHERE id = $1 AND running_at = $2 AND done_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, runningAt, time.Now().UTC(), errText)
	if err != nil {
		return false, wrapStoreError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Reschedule returns a running record to pending at the given time, counting
// one retry and keeping message as the last error.
func (r *PostgresRepo) Reschedule(ctx context.Context, id string, runningAt, at time.Time, message string) (bool, error) {
	query := `UPDATE background_jobs SET running_at = NULL, retries = retries + 1, scheduled_at = $3, error = $4 WHERE id = $1 AND running_at = $2 AND done_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, runningAt, at, message)
	if err != nil {
		return false, wrapStoreError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReclaimExpired sweeps running records whose timeout plus the reclaim grace
// has elapsed. Records with retries left go back to pending; the rest are failed.
func (r *PostgresRepo) ReclaimExpired(ctx context.Context, now time.Time) (ReclaimResult, error) {
	var result ReclaimResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, wrapStoreError(err)
	}
	defer func() { _ = tx.Rollback() }()

	expired := `done_at IS NULL AND running_at IS NOT NULL AND timeout_msecs > 0 AND running_at + (timeout_msecs + $3) * INTERVAL '1 millisecond' < $1`
	grace := r.grace.Milliseconds()

	failQuery := `UPDATE background_jobs SET done_at = $1, error = $2 WHERE ` + expired + ` AND retries >= max_retries`
	res, err := tx.ExecContext(ctx, failQuery, now, TimeoutMessage, grace)
	if err != nil {
		return result, wrapStoreError(err)
	}
	if result.Failed, err = res.RowsAffected(); err != nil {
		return result, err
	}

	requeueQuery := `UPDATE background_jobs SET running_at = NULL, retries = retries + 1, scheduled_at = $1, error = $2 WHERE ` + expired + ` AND retries < max_retries`
	res, err = tx.ExecContext(ctx, requeueQuery, now, TimeoutMessage, grace)
	if err != nil {
		return result, wrapStoreError(err)
	}
	if result.Requeued, err = res.RowsAffected(); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return ReclaimResult{}, wrapStoreError(err)
	}
	return result, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + columns + ` FROM background_jobs WHERE id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	now := filter.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filter.State {
	case "":
	case StateScheduled:
		where = append(where, "done_at IS NULL AND running_at IS NULL AND scheduled_at > "+arg(now))
	case StatePending:
		where = append(where, "done_at IS NULL AND running_at IS NULL AND scheduled_at <= "+arg(now))
	case StateRunning:
		where = append(where, "done_at IS NULL AND running_at IS NOT NULL")
	case StateSucceeded:
		where = append(where, "done_at IS NOT NULL AND error IS NULL")
	case StateFailed:
		where = append(where, "done_at IS NOT NULL AND error IS NOT NULL")
	default:
		return nil, fmt.Errorf("unknown job state %q", filter.State)
	}
	if filter.TaskName != "" {
		where = append(where, "task_name = "+arg(filter.TaskName))
	}

	query := `SELECT ` + columns + ` FROM background_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepo) Counts(ctx context.Context, now time.Time) (Counts, error) {
	var c Counts
	query := `SELECT
		COUNT(*) FILTER (WHERE done_at IS NULL AND running_at IS NULL AND scheduled_at > $1),
		COUNT(*) FILTER (WHERE done_at IS NULL AND running_at IS NULL AND scheduled_at <= $1),
		COUNT(*) FILTER (WHERE done_at IS NULL AND running_at IS NOT NULL),
		COUNT(*) FILTER (WHERE done_at IS NOT NULL AND error IS NULL),
		COUNT(*) FILTER (WHERE done_at IS NOT NULL AND error IS NOT NULL)
	FROM background_jobs`
	err := r.db.QueryRowContext(ctx, query, now).Scan(&c.Scheduled, &c.Pending, &c.Running, &c.Succeeded, &c.Failed)
	return c, wrapStoreError(err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		payload   []byte
		timeoutMS int64
		runningAt sql.NullTime
		doneAt    sql.NullTime
		errText   sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.TaskName, &rec.TaskHash, &payload, &timeoutMS,
		&rec.MaxRetries, &rec.Retries, &rec.CreatedAt, &rec.ScheduledAt,
		&runningAt, &doneAt, &errText)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if runningAt.Valid {
		t := runningAt.Time
		rec.RunningAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time
		rec.DoneAt = &t
	}
	rec.Error = errText.String
	return &rec, nil
}
