package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

const jobColumns = `name, task_name, config, schedule_type, interval_seconds, cron_expression,
	enabled, start_at, end_at, max_runs, run_count, last_run_at, next_run_at, job_definition_id`

// ListDueJobs returns enabled jobs whose next run is due, never-run jobs
// first.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]models.SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM scheduler_jobs
		WHERE enabled = 1
			AND (next_run_at IS NULL OR next_run_at <= ?)
			AND (start_at IS NULL OR start_at <= ?)
			AND (end_at IS NULL OR end_at >= ?)
			AND (max_runs IS NULL OR run_count < max_runs)
		ORDER BY next_run_at NULLS FIRST
	`, now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SchedulerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// GetJob returns one job by name.
func (s *Store) GetJob(ctx context.Context, name string) (*models.SchedulerJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE name = ?`, name)
	return scanJob(row)
}

// ListJobs returns all jobs ordered by name.
func (s *Store) ListJobs(ctx context.Context) ([]models.SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SchedulerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// SaveJob inserts or replaces a job definition by name. Run bookkeeping
// columns are preserved on update.
func (s *Store) SaveJob(ctx context.Context, job models.SchedulerJob) error {
	config := string(job.Config)
	if config == "" {
		config = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (name, task_name, config, schedule_type, interval_seconds,
			cron_expression, enabled, start_at, end_at, max_runs, next_run_at, job_definition_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			task_name = excluded.task_name,
			config = excluded.config,
			schedule_type = excluded.schedule_type,
			interval_seconds = excluded.interval_seconds,
			cron_expression = excluded.cron_expression,
			enabled = excluded.enabled,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			max_runs = excluded.max_runs,
			job_definition_id = excluded.job_definition_id
	`, job.Name, job.TaskName, config, string(job.ScheduleType), job.IntervalSeconds,
		job.CronExpression, job.Enabled, timeVal(job.StartAt), timeVal(job.EndAt),
		job.MaxRuns, timeVal(job.NextRunAt), job.JobDefinitionID)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// SetJobEnabled flips a job's enabled flag.
func (s *Store) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE scheduler_jobs SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

// UpdateJobAfterDispatch advances a job's run bookkeeping once its execution
// has been queued.
func (s *Store) UpdateJobAfterDispatch(ctx context.Context, name string, lastRunAt time.Time, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_jobs
		SET last_run_at = ?, run_count = run_count + 1, next_run_at = ?
		WHERE name = ?
	`, lastRunAt.Unix(), timeVal(nextRunAt), name)
	if err != nil {
		return fmt.Errorf("failed to update job after dispatch: %w", err)
	}
	return nil
}

// DeleteJob removes a job definition.
func (s *Store) DeleteJob(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*models.SchedulerJob, error) {
	var (
		job                              models.SchedulerJob
		config, scheduleType             string
		startAt, endAt, lastRun, nextRun sql.NullInt64
		maxRuns                          sql.NullInt64
	)
	err := row.Scan(&job.Name, &job.TaskName, &config, &scheduleType, &job.IntervalSeconds,
		&job.CronExpression, &job.Enabled, &startAt, &endAt, &maxRuns, &job.RunCount,
		&lastRun, &nextRun, &job.JobDefinitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Config = []byte(config)
	job.ScheduleType = models.ScheduleType(scheduleType)
	job.StartAt = nullTime(startAt)
	job.EndAt = nullTime(endAt)
	job.LastRunAt = nullTime(lastRun)
	job.NextRunAt = nullTime(nextRun)
	if maxRuns.Valid {
		job.MaxRuns = &maxRuns.Int64
	}
	return &job, nil
}

const executionColumns = `id, job_name, task_name, task_id, status, created_at, started_at,
	finished_at, result, error_message, worker, triggered_by, progress`

// InsertExecution creates a queued execution row and returns its id.
func (s *Store) InsertExecution(ctx context.Context, jobName, taskName, taskID, triggeredBy string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduler_job_executions (job_name, task_name, task_id, status, created_at, triggered_by)
		VALUES (?, ?, ?, 'queued', ?, ?)
		RETURNING id
	`, jobName, taskName, taskID, time.Now().Unix(), triggeredBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution: %w", err)
	}
	return id, nil
}

// GetExecution returns one execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM scheduler_job_executions WHERE id = ?
	`, id)
	return scanExecution(row)
}

// MarkExecutionStarted records the worker claim on a queued execution. The
// update is conditional on the row still being queued so a cancellation that
// raced the claim wins.
func (s *Store) MarkExecutionStarted(ctx context.Context, id int64, worker string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_job_executions
		SET status = 'running', started_at = ?, worker = ?
		WHERE id = ? AND status = 'queued'
	`, at.Unix(), worker, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution started: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateExecutionProgress stores the serialized progress blob.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id int64, progress *models.Progress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduler_job_executions SET progress = ? WHERE id = ?
	`, string(data), id)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteExecution records a terminal status. Rows already terminal are left
// untouched so an operator cancellation is not overwritten by a late worker.
func (s *Store) CompleteExecution(ctx context.Context, id int64, status models.ExecutionStatus, result, errorMessage string, at time.Time) error {
	if !status.Terminal() {
		return pkgerrors.NewValidationError("complete_execution", "", fmt.Errorf("non-terminal status %q", status))
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_job_executions
		SET status = ?, finished_at = ?, result = ?, error_message = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, string(status), at.Unix(), result, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	return nil
}

// ExecutionStatus returns just the status column, cheap enough for workers to
// poll at progress ticks.
func (s *Store) ExecutionStatus(ctx context.Context, id int64) (models.ExecutionStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM scheduler_job_executions WHERE id = ?
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", pkgerrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query execution status: %w", err)
	}
	return models.ExecutionStatus(status), nil
}

// RecoverStaleExecutions marks executions stuck in queued or running past the
// cutoff as timed out. Returns the number of rows recovered.
func (s *Store) RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_job_executions
		SET status = 'timeout', finished_at = ?, error_message = 'Execution timed out'
		WHERE status IN ('queued', 'running') AND created_at < ?
	`, time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale executions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

// CountExecutionsByStatus counts executions with the given status created
// after the cutoff. A non-empty jobName narrows the count to that job.
func (s *Store) CountExecutionsByStatus(ctx context.Context, status models.ExecutionStatus, jobName string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM scheduler_job_executions
		WHERE status = ? AND created_at >= ?
	`
	args := []any{string(status), since.Unix()}
	if jobName != "" {
		query += ` AND job_name = ?`
		args = append(args, jobName)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// CountLongRunning counts executions still running that started before the
// cutoff. A non-empty jobName narrows the count to that job.
func (s *Store) CountLongRunning(ctx context.Context, jobName string, startedBefore time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM scheduler_job_executions
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
	`
	args := []any{startedBefore.Unix()}
	if jobName != "" {
		query += ` AND job_name = ?`
		args = append(args, jobName)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count long running executions: %w", err)
	}
	return count, nil
}

// ListExecutions returns recent executions for a job, newest first.
func (s *Store) ListExecutions(ctx context.Context, jobName string, limit int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM scheduler_job_executions
		WHERE job_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		exec                  models.Execution
		status, progress      string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&exec.ID, &exec.JobName, &exec.TaskName, &exec.TaskID, &status,
		&createdAt, &startedAt, &finishedAt, &exec.Result, &exec.ErrorMessage,
		&exec.Worker, &exec.TriggeredBy, &progress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = models.ExecutionStatus(status)
	exec.CreatedAt = time.Unix(createdAt, 0).UTC()
	exec.StartedAt = nullTime(startedAt)
	exec.FinishedAt = nullTime(finishedAt)
	if progress != "" {
		var p models.Progress
		if err := json.Unmarshal([]byte(progress), &p); err == nil {
			exec.Progress = &p
		}
	}
	return &exec, nil
}
