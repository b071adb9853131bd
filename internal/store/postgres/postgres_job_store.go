package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobqueue/custom_errors"
	"github.com/RezaEskandarii/jobqueue/internal/state"
	"github.com/RezaEskandarii/jobqueue/internal/store"
	"github.com/RezaEskandarii/jobqueue/types"
)

var _ store.JobStore = (*PostgresJobStore)(nil)

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts,
		       error_message, locked_by, scheduled_at, started_at, completed_at,
		       created_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

func (s *PostgresJobStore) Insert(ctx context.Context, job types.NewJob, now time.Time) (*types.Job, error) {
	payloadJSON, err := job.Payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	query := `
        INSERT INTO jobqueue_schema.jobs (
            type,
            payload,
            status,
            priority,
            max_attempts,
            scheduled_at,
            created_at,
            updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        RETURNING ` + jobColumns

	row := s.db.QueryRowContext(ctx, query,
		job.Type,
		string(payloadJSON),
		state.StatusPending,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledAt,
		now,
	)
	return scanJob(row)
}

func (s *PostgresJobStore) BulkInsert(ctx context.Context, jobs []types.NewJob, now time.Time) ([]int64, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobqueue_schema.jobs (type, payload, status, priority, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		payloadJSON, err := job.Payload.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", job.Type, err)
		}
		var id int64
		if err := stmt.QueryRowContext(ctx,
			job.Type, string(payloadJSON), state.StatusPending, job.Priority, job.MaxAttempts, job.ScheduledAt, now,
		).Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresJobStore) FindByID(ctx context.Context, id int64) (*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobqueue_schema.jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, custom_errors.ErrJobNotFound)
	}
	return job, err
}

func (s *PostgresJobStore) FetchDueJobs(ctx context.Context, limit int, now time.Time) ([]types.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobqueue_schema.jobs
		WHERE status IN ($1, $2)
		  AND attempts < max_attempts
		  AND (scheduled_at IS NULL OR scheduled_at <= $3)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, state.StatusPending, state.StatusRetrying, now, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresJobStore) FetchRetryable(ctx context.Context, limit int) ([]types.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobqueue_schema.jobs
		WHERE status = $1
		  AND attempts < max_attempts
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, state.StatusRetrying, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresJobStore) List(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	page, pageSize = types.NormalizePage(page, pageSize, 15)
	offset := (page - 1) * pageSize

	where := "1=1"
	args := []any{}
	if status != "" {
		where = "status = $1"
		args = append(args, status)
	}

	countQuery := `SELECT COUNT(*) FROM jobqueue_schema.jobs WHERE ` + where
	var totalItems int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	selectQuery := fmt.Sprintf(`
		SELECT `+jobColumns+`
		FROM jobqueue_schema.jobs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := s.db.QueryContext(ctx, selectQuery, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	return types.NewPaginationResult(jobs, totalItems, page, pageSize), nil
}

func (s *PostgresJobStore) Claim(ctx context.Context, id int64, lockedBy string, now time.Time) (*types.Job, bool, error) {
	query := `
		UPDATE jobqueue_schema.jobs
		SET status = $1,
		    attempts = attempts + 1,
		    started_at = $2,
		    completed_at = NULL,
		    locked_by = $3,
		    updated_at = $2
		WHERE id = $4
		  AND status IN ($5, $6)
		  AND attempts < max_attempts
		  AND (scheduled_at IS NULL OR scheduled_at <= $2)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		state.StatusProcessing, now, lockedBy, id, state.StatusPending, state.StatusRetrying,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobqueue_schema.jobs
		SET status = $1,
		    completed_at = $2,
		    locked_by = NULL,
		    updated_at = $2
		WHERE id = $3 AND status = $4
	`, state.StatusCompleted, now, id, state.StatusProcessing)
	if err != nil {
		return err
	}
	return expectAffected(res, id)
}

func (s *PostgresJobStore) MarkFailure(ctx context.Context, id int64, status state.JobStatus, errMsg string, retryAt *time.Time, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobqueue_schema.jobs
		SET status = $1,
		    error_message = $2,
		    scheduled_at = COALESCE($3, scheduled_at),
		    locked_by = NULL,
		    updated_at = $4
		WHERE id = $5 AND status = $6
	`, status, errMsg, retryAt, now, id, state.StatusProcessing)
	if err != nil {
		return err
	}
	return expectAffected(res, id)
}

func (s *PostgresJobStore) Reset(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobqueue_schema.jobs
		SET status = $1,
		    attempts = 0,
		    error_message = NULL,
		    scheduled_at = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    locked_by = NULL,
		    updated_at = $2
		WHERE id = $3 AND status = $4
	`, state.StatusPending, now, id, state.StatusFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PostgresJobStore) RecoverStale(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobqueue_schema.jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    error_message = $3,
		    locked_by = NULL,
		    updated_at = $4
		WHERE status = $5 AND started_at < $6
	`, state.StatusRetrying, state.StatusFailed, store.StaleJobError, now, state.StatusProcessing, lockedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobqueue_schema.jobs
		WHERE status = $1 AND completed_at < $2
	`, state.StatusCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM jobqueue_schema.jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := store.ZeroFilledCounts()
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}

	return result, rows.Err()
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var payload []byte
	if err := row.Scan(
		&job.ID,
		&job.Type,
		&payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ErrorMessage,
		&job.LockedBy,
		&job.ScheduledAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.SetPayload(payload)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]types.Job, error) {
	defer rows.Close()

	jobs := []types.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func expectAffected(res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %d is not processing: %w", id, custom_errors.ErrInvalidTransition)
	}
	return nil
}
