// Package mysql provides a MySQL-backed persistent store for operators
// who already run a database server. Claims rely on InnoDB row locks.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/queuectl/queuectl"
	"github.com/queuectl/queuectl/mysql/internal"
)

const (
	schema = `CREATE TABLE IF NOT EXISTS queuectl_jobs (
id varchar(255) primary key,
command text not null,
state varchar(30) not null,
attempts integer not null default 0,
max_retries integer not null default 3,
created_at bigint not null,
updated_at bigint not null,
locked_by varchar(255),
locked_at bigint,
next_retry_at bigint,
error text,
output text,
index ix_jobs_state (state),
index ix_jobs_next_retry_at (next_retry_at),
index ix_jobs_created_at (created_at));`

	jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, locked_by, locked_at, next_retry_at, error, output`
)

// Store represents a persistent MySQL storage implementation.
// It implements the queuectl.Store interface.
type Store struct {
	db     *sql.DB
	dbname string
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database named in
// the DSN is created if it does not exist.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	st.dbname = cfg.DBName
	if st.dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// First connect without DB name to create the database.
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", st.dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name.
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Start creates the schema.
func (s *Store) Start(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("mysql: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create adds a new job to the store.
func (s *Store) Create(ctx context.Context, job *queuectl.Job) error {
	r := newJobRow(job)
	err := internal.RunWithRetry(ctx, s.db, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO queuectl_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Command, r.State, r.Attempts, r.MaxRetries,
			r.CreatedAt, r.UpdatedAt, r.LockedBy, r.LockedAt,
			r.NextRetryAt, r.Error, r.Output)
		return err
	}, internal.IsRetryable)
	if internal.IsDup(err) {
		return queuectl.ErrDuplicateID
	}
	return err
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id string) (*queuectl.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queuectl_jobs WHERE id = ?`, id)
	r, err := scanJobRow(row)
	if internal.IsNotFound(err) {
		return nil, queuectl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toJob(), nil
}

// List returns jobs matching the request, newest first.
func (s *Store) List(ctx context.Context, req *queuectl.ListRequest) (*queuectl.ListResponse, error) {
	rsp := &queuectl.ListResponse{}

	count := sq.Select("COUNT(*)").From("queuectl_jobs")
	if req.State != "" {
		count = count.Where(sq.Eq{"state": req.State})
	}
	query, args, err := count.ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, err
	}

	sel := sq.Select(jobColumns).From("queuectl_jobs").OrderBy("created_at DESC, id DESC")
	if req.State != "" {
		sel = sel.Where(sq.Eq{"state": req.State})
	}
	if req.Limit > 0 {
		sel = sel.Limit(uint64(req.Limit))
	}
	query, args, err = sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, r.toJob())
	}
	return rsp, rows.Err()
}

// Claim atomically picks the oldest eligible job and locks it for the
// given worker. The candidate row is taken with FOR UPDATE, so concurrent
// claimers block on the row lock and re-evaluate after the winner commits.
func (s *Store) Claim(ctx context.Context, workerID string, now, staleCutoff time.Time) (*queuectl.Job, error) {
	var claimed *queuectl.Job
	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		claimed = nil
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queuectl_jobs
WHERE state IN (?, ?)
AND (next_retry_at IS NULL OR next_retry_at <= ?)
AND (locked_by IS NULL OR locked_at < ?)
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE`,
			queuectl.Pending, queuectl.Failed, now.UnixNano(), staleCutoff.UnixNano())
		r, err := scanJobRow(row)
		if internal.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE queuectl_jobs
SET state = ?, locked_by = ?, locked_at = ?, updated_at = ?
WHERE id = ? AND (locked_by IS NULL OR locked_at < ?)`,
			queuectl.Processing, workerID, now.UnixNano(), now.UnixNano(),
			r.ID, staleCutoff.UnixNano())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return nil
		}
		r.State = queuectl.Processing
		r.LockedBy = sql.NullString{String: workerID, Valid: true}
		r.LockedAt = sql.NullInt64{Int64: now.UnixNano(), Valid: true}
		r.UpdatedAt = now.UnixNano()
		claimed = r.toJob()
		return nil
	}, internal.IsRetryable)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateLocked applies the update iff the job is still locked by lockedBy.
func (s *Store) UpdateLocked(ctx context.Context, id, lockedBy string, update *queuectl.JobUpdate) error {
	if lockedBy == "" {
		return queuectl.ErrLockLost
	}
	var nextRetryAt sql.NullInt64
	if !update.NextRetryAt.IsZero() {
		nextRetryAt = sql.NullInt64{Int64: update.NextRetryAt.UnixNano(), Valid: true}
	}
	return internal.RunWithRetry(ctx, s.db, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `UPDATE queuectl_jobs
SET state = ?, attempts = ?, error = ?, output = ?, next_retry_at = ?,
locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ? AND locked_by = ?`,
			update.State, update.Attempts, nullString(update.Error),
			nullString(update.Output), nextRetryAt,
			time.Now().UTC().UnixNano(), id, lockedBy)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return queuectl.ErrLockLost
		}
		return nil
	}, internal.IsRetryable)
}

// ListStale returns processing jobs whose lock is older than the cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*queuectl.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM queuectl_jobs
WHERE state = ? AND locked_by IS NOT NULL AND locked_at < ?
ORDER BY locked_at ASC`,
		queuectl.Processing, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*queuectl.Job
	for rows.Next() {
		r, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, r.toJob())
	}
	return jobs, rows.Err()
}

// ResetForRetry moves a dead job back to pending.
func (s *Store) ResetForRetry(ctx context.Context, id string) error {
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM queuectl_jobs WHERE id = ? FOR UPDATE`, id).Scan(&state)
		if internal.IsNotFound(err) {
			return queuectl.ErrNotFound
		}
		if err != nil {
			return err
		}
		if state != queuectl.Dead {
			return queuectl.ErrNotInDLQ
		}
		_, err = tx.ExecContext(ctx, `UPDATE queuectl_jobs
SET state = ?, attempts = 0, error = NULL, output = NULL, next_retry_at = NULL,
locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?`,
			queuectl.Pending, time.Now().UTC().UnixNano(), id)
		return err
	}, internal.IsRetryable)
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*queuectl.Stats, error) {
	query, args, err := sq.Select("state", "COUNT(*)").From("queuectl_jobs").GroupBy("state").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &queuectl.Stats{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats.Add(state, n)
	}
	return stats, rows.Err()
}

// -- MySQL-internal representation of a job --

type jobRow struct {
	ID          string
	Command     string
	State       string
	Attempts    int
	MaxRetries  int
	CreatedAt   int64
	UpdatedAt   int64
	LockedBy    sql.NullString
	LockedAt    sql.NullInt64
	NextRetryAt sql.NullInt64
	Error       sql.NullString
	Output      sql.NullString
}

func newJobRow(job *queuectl.Job) *jobRow {
	return &jobRow{
		ID:          job.ID,
		Command:     job.Command,
		State:       job.State,
		Attempts:    job.Attempts,
		MaxRetries:  job.MaxRetries,
		CreatedAt:   job.CreatedAt.UnixNano(),
		UpdatedAt:   job.UpdatedAt.UnixNano(),
		LockedBy:    nullString(job.LockedBy),
		LockedAt:    nullTime(job.LockedAt),
		NextRetryAt: nullTime(job.NextRetryAt),
		Error:       nullString(job.Error),
		Output:      nullString(job.Output),
	}
}

func (r *jobRow) toJob() *queuectl.Job {
	return &queuectl.Job{
		ID:          r.ID,
		Command:     r.Command,
		State:       r.State,
		Attempts:    r.Attempts,
		MaxRetries:  r.MaxRetries,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, r.UpdatedAt).UTC(),
		LockedBy:    r.LockedBy.String,
		LockedAt:    fromNullTime(r.LockedAt),
		NextRetryAt: fromNullTime(r.NextRetryAt),
		Error:       r.Error.String,
		Output:      r.Output.String,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (*jobRow, error) {
	r := &jobRow{}
	err := row.Scan(&r.ID, &r.Command, &r.State, &r.Attempts, &r.MaxRetries,
		&r.CreatedAt, &r.UpdatedAt, &r.LockedBy, &r.LockedAt,
		&r.NextRetryAt, &r.Error, &r.Output)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
