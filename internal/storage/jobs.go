package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, name, query, location, radius, min_price, max_price, page_count, interval_seconds,
	is_active, last_run_at, next_run_at, last_run_status, last_run_message, last_run_duration_seconds,
	last_result_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                    Job
		radius, minP, maxP   sql.NullInt64
		active               int
		lastRun, nextRun     sql.NullString
		status               string
		duration             sql.NullFloat64
		resultCount          sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &j.Name, &j.Query, &j.Location, &radius, &minP, &maxP, &j.PageCount,
		&j.IntervalSeconds, &active, &lastRun, &nextRun, &status, &j.LastRunMessage, &duration,
		&resultCount, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Radius = nullIntPtr(radius)
	j.MinPrice = nullIntPtr(minP)
	j.MaxPrice = nullIntPtr(maxP)
	j.IsActive = active != 0
	j.LastRunStatus = RunStatus(status)
	if duration.Valid {
		d := duration.Float64
		j.LastRunDurationSeconds = &d
	}
	j.LastResultCount = nullIntPtr(resultCount)
	if j.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return Job{}, fmt.Errorf("parsing last_run_at for job %d: %w", j.ID, err)
	}
	if j.NextRunAt, err = parseNullTime(nextRun); err != nil {
		return Job{}, fmt.Errorf("parsing next_run_at for job %d: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %d: %w", j.ID, err)
	}
	return j, nil
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// CreateJob inserts j and fills in its ID. ErrDuplicate is returned when the
// name is already taken.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.LastRunStatus == "" {
		j.LastRunStatus = RunStatusNone
	}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO scheduler_jobs (name, query, location, radius, min_price, max_price, page_count,
			interval_seconds, is_active, next_run_at, last_run_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		j.Name, j.Query, j.Location, intPtrArg(j.Radius), intPtrArg(j.MinPrice), intPtrArg(j.MaxPrice),
		j.PageCount, j.IntervalSeconds, boolToInt(j.IsActive), formatTimePtr(j.NextRunAt),
		string(j.LastRunStatus), formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	).Scan(&j.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM scheduler_jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// GetJobByName returns the job with the given unique name.
func (s *Store) GetJobByName(ctx context.Context, name string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM scheduler_jobs WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns all jobs ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs ORDER BY id ASC`)
}

// ListActiveJobs returns the jobs whose timers should be armed.
func (s *Store) ListActiveJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE is_active = 1 ORDER BY id ASC`)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob writes the mutable configuration of j: search parameters,
// schedule and activation. Run history columns are left alone.
func (s *Store) UpdateJob(ctx context.Context, j Job) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_jobs SET query = ?, location = ?, radius = ?, min_price = ?, max_price = ?,
			page_count = ?, interval_seconds = ?, is_active = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`),
		j.Query, j.Location, intPtrArg(j.Radius), intPtrArg(j.MinPrice), intPtrArg(j.MaxPrice),
		j.PageCount, j.IntervalSeconds, boolToInt(j.IsActive), formatTimePtr(j.NextRunAt),
		formatTime(j.UpdatedAt), j.ID,
	)
	return expectOne(res, err)
}

// SetJobActive toggles is_active and sets next_run_at (nil clears it).
func (s *Store) SetJobActive(ctx context.Context, id int64, active bool, next *time.Time, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_jobs SET is_active = ?, next_run_at = ?, updated_at = ? WHERE id = ?`),
		boolToInt(active), formatTimePtr(next), formatTime(now), id,
	)
	return expectOne(res, err)
}

// SetNextRun records when the job's timer will next fire. It is a no-op for
// inactive jobs so a concurrent stop is never undone.
func (s *Store) SetNextRun(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_jobs SET next_run_at = ? WHERE id = ? AND is_active = 1`),
		formatTime(next), id,
	)
	return err
}

// RecordRun writes the outcome of a finished run. next_run_at is only set
// while the job is still active; a job stopped during its run keeps it cleared.
func (s *Store) RecordRun(ctx context.Context, id int64, r RunRecord) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE scheduler_jobs SET
			last_run_at = ?, last_run_status = ?, last_run_message = ?,
			last_run_duration_seconds = ?, last_result_count = ?,
			next_run_at = CASE WHEN is_active = 1 THEN ? ELSE NULL END,
			updated_at = ?
		WHERE id = ?`),
		formatTime(r.FinishedAt), string(r.Status), r.Message, r.Duration.Seconds(), r.ResultCount,
		formatTime(r.NextRunAt), formatTime(r.FinishedAt), id,
	)
	return expectOne(res, err)
}

// DeleteJob removes a job. Listings it discovered are kept.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scheduler_jobs WHERE id = ?`), id)
	return expectOne(res, err)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
