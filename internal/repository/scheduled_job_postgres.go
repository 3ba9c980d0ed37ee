package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// ScheduledJobRepository implements domain.ScheduledJobRepository on Postgres.
type ScheduledJobRepository struct {
	db *sql.DB
}

func NewScheduledJobRepository(db *sql.DB) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

const scheduledJobColumns = `id, app_id, queue_id, name, cron_expr, timezone,
	template, active, last_run_at, next_run_at, created_at, updated_at`

func (r *ScheduledJobRepository) Create(ctx context.Context, job *domain.ScheduledJob) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	templateJSON, err := json.Marshal(job.Template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query, args, err := psql.Insert("scheduled_jobs").
		Columns("id", "app_id", "queue_id", "name", "cron_expr", "timezone",
			"template", "active", "last_run_at", "next_run_at",
			"created_at", "updated_at").
		Values(job.ID, job.AppID, job.QueueID, job.Name, job.CronExpr, job.Timezone,
			templateJSON, job.Active, job.LastRunAt, job.NextRunAt,
			job.CreatedAt, job.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build scheduled job insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert scheduled job: %w", err)
	}
	return nil
}

func (r *ScheduledJobRepository) Get(ctx context.Context, appID, id string) (*domain.ScheduledJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM scheduled_jobs WHERE app_id = $1 AND id = $2`, scheduledJobColumns)
	job, err := scanScheduledJob(r.db.QueryRowContext(ctx, query, appID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "scheduled_job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled job: %w", err)
	}
	return job, nil
}

func (r *ScheduledJobRepository) List(ctx context.Context, appID string) ([]*domain.ScheduledJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM scheduled_jobs WHERE app_id = $1 ORDER BY name ASC`, scheduledJobColumns)
	rows, err := r.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	defer rows.Close()
	return collectScheduledJobs(rows)
}

func (r *ScheduledJobRepository) Update(ctx context.Context, job *domain.ScheduledJob) error {
	job.UpdatedAt = time.Now().UTC()
	templateJSON, err := json.Marshal(job.Template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	query, args, err := psql.Update("scheduled_jobs").
		Set("name", job.Name).
		Set("cron_expr", job.CronExpr).
		Set("timezone", job.Timezone).
		Set("template", templateJSON).
		Set("active", job.Active).
		Set("next_run_at", job.NextRunAt).
		Set("updated_at", job.UpdatedAt).
		Where(sq.Eq{"app_id": job.AppID, "id": job.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build scheduled job update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update scheduled job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "scheduled_job", ID: job.ID}
	}
	return nil
}

func (r *ScheduledJobRepository) Delete(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_jobs WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled job: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "scheduled_job", ID: id}
	}
	return nil
}

// Due returns active jobs whose next fire time has passed, oldest first.
func (r *ScheduledJobRepository) Due(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduledJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM scheduled_jobs
		WHERE active = TRUE AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`, scheduledJobColumns)
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled jobs: %w", err)
	}
	defer rows.Close()
	return collectScheduledJobs(rows)
}

func (r *ScheduledJobRepository) MarkRun(ctx context.Context, id string, ranAt time.Time, nextRunAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run_at = $1, next_run_at = $2, updated_at = $3 WHERE id = $4`,
		ranAt, nextRunAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark scheduled job run: %w", err)
	}
	return nil
}

func collectScheduledJobs(rows *sql.Rows) ([]*domain.ScheduledJob, error) {
	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled jobs: %w", err)
	}
	return jobs, nil
}

func scanScheduledJob(row rowScanner) (*domain.ScheduledJob, error) {
	var (
		job          domain.ScheduledJob
		templateJSON []byte
	)
	err := row.Scan(&job.ID, &job.AppID, &job.QueueID, &job.Name, &job.CronExpr,
		&job.Timezone, &templateJSON, &job.Active, &job.LastRunAt, &job.NextRunAt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(templateJSON, &job.Template); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &job, nil
}
