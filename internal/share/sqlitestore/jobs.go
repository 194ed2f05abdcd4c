package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/jobs"
	"github.com/dvloznov/receipt-ledger/internal/share"
)

var _ jobs.JobStore = (*Store)(nil)

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `job_id, job_type, status, trigger_source, file_json, result_json, error,
        retry_count, max_retries, created_at, started_at, completed_at`

// SaveJob inserts or replaces a job row.
func (s *Store) SaveJob(ctx context.Context, job *jobs.SyncJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	fileJSON, err := marshalNullable(job.File)
	if err != nil {
		return fmt.Errorf("marshal job file: %w", err)
	}
	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO sync_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(job_id) DO UPDATE SET
            status = excluded.status,
            result_json = excluded.result_json,
            error = excluded.error,
            retry_count = excluded.retry_count,
            max_retries = excluded.max_retries,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at`,
		job.JobID,
		string(job.Type),
		string(job.Status),
		nullableString(job.Trigger),
		fileJSON,
		resultJSON,
		nullableString(job.Error),
		job.RetryCount,
		job.MaxRetries,
		job.CreatedAt.UTC().Format(timeLayout),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID, err)
	}
	return nil
}

// GetJob returns one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.SyncJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "job_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	result := []*jobs.SyncJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

// UpdateJobStatus sets the status and, when non-empty, the error message.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sync_jobs SET status = ?, error = COALESCE(?, error) WHERE job_id = ?`,
		string(status),
		nullableString(errorMsg),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*jobs.SyncJob, error) {
	var (
		job                          jobs.SyncJob
		jobType, status, createdAt   string
		trigger, fileJSON, resultStr sql.NullString
		errMsg, startedAt, completed sql.NullString
	)
	if err := sc.Scan(
		&job.JobID,
		&jobType,
		&status,
		&trigger,
		&fileJSON,
		&resultStr,
		&errMsg,
		&job.RetryCount,
		&job.MaxRetries,
		&createdAt,
		&startedAt,
		&completed,
	); err != nil {
		return nil, err
	}

	job.Type = jobs.JobType(jobType)
	job.Status = jobs.JobStatus(status)
	job.Trigger = trigger.String
	job.Error = errMsg.String

	var err error
	if job.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseNullableTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if fileJSON.Valid {
		job.File = &share.RemoteFile{}
		if err := json.Unmarshal([]byte(fileJSON.String), job.File); err != nil {
			return nil, fmt.Errorf("decode file_json: %w", err)
		}
	}
	if resultStr.Valid {
		job.Result = &jobs.Result{}
		if err := json.Unmarshal([]byte(resultStr.String), job.Result); err != nil {
			return nil, fmt.Errorf("decode result_json: %w", err)
		}
	}
	return &job, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
