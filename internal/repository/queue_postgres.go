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
	"github.com/lib/pq"

	"github.com/sendline/sendline/internal/domain"
)

// QueueRepository implements domain.QueueRepository on Postgres.
type QueueRepository struct {
	db *sql.DB
}

func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, app_id, name, priority, rate_limit, max_retries,
	retry_delays, smtp_config_id, paused, track_opens, track_clicks, created_at, updated_at`

func (r *QueueRepository) Create(ctx context.Context, queue *domain.Queue) error {
	now := time.Now().UTC()
	if queue.ID == "" {
		queue.ID = uuid.New().String()
	}
	queue.CreatedAt = now
	queue.UpdatedAt = now
	if len(queue.RetryDelays) == 0 {
		queue.RetryDelays = append([]int(nil), domain.DefaultRetryDelays...)
	}
	delaysJSON, _ := json.Marshal(queue.RetryDelays)

	query, args, err := psql.Insert("queues").
		Columns("id", "app_id", "name", "priority", "rate_limit", "max_retries",
			"retry_delays", "smtp_config_id", "paused", "track_opens",
			"track_clicks", "created_at", "updated_at").
		Values(queue.ID, queue.AppID, queue.Name, queue.Priority, queue.RateLimit,
			queue.MaxRetries, delaysJSON, queue.SMTPConfigID, queue.Paused,
			queue.TrackOpens, queue.TrackClicks, queue.CreatedAt, queue.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build queue insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &domain.ConflictError{Message: fmt.Sprintf("queue %q already exists", queue.Name)}
		}
		return fmt.Errorf("failed to insert queue: %w", err)
	}
	return nil
}

func (r *QueueRepository) Get(ctx context.Context, appID, id string) (*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM queues WHERE app_id = $1 AND id = $2`, queueColumns)
	queue, err := scanQueue(r.db.QueryRowContext(ctx, query, appID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "queue", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return queue, nil
}

func (r *QueueRepository) GetByName(ctx context.Context, appID, name string) (*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM queues WHERE app_id = $1 AND name = $2`, queueColumns)
	queue, err := scanQueue(r.db.QueryRowContext(ctx, query, appID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "queue", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue by name: %w", err)
	}
	return queue, nil
}

func (r *QueueRepository) List(ctx context.Context, appID string) ([]*domain.Queue, error) {
	query := fmt.Sprintf(`SELECT %s FROM queues WHERE app_id = $1 ORDER BY name ASC`, queueColumns)
	rows, err := r.db.QueryContext(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var queues []*domain.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queues: %w", err)
	}
	return queues, nil
}

func (r *QueueRepository) Update(ctx context.Context, queue *domain.Queue) error {
	queue.UpdatedAt = time.Now().UTC()
	delaysJSON, _ := json.Marshal(queue.RetryDelays)

	query, args, err := psql.Update("queues").
		Set("priority", queue.Priority).
		Set("rate_limit", queue.RateLimit).
		Set("max_retries", queue.MaxRetries).
		Set("retry_delays", delaysJSON).
		Set("smtp_config_id", queue.SMTPConfigID).
		Set("track_opens", queue.TrackOpens).
		Set("track_clicks", queue.TrackClicks).
		Set("updated_at", queue.UpdatedAt).
		Where(sq.Eq{"app_id": queue.AppID, "id": queue.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build queue update: %w", err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "queue", ID: queue.ID}
	}
	return nil
}

func (r *QueueRepository) SetPaused(ctx context.Context, appID, id string, paused bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queues SET paused = $1, updated_at = $2 WHERE app_id = $3 AND id = $4`,
		paused, time.Now().UTC(), appID, id)
	if err != nil {
		return fmt.Errorf("failed to set queue paused: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "queue", ID: id}
	}
	return nil
}

func (r *QueueRepository) Delete(ctx context.Context, appID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM queues WHERE app_id = $1 AND id = $2`, appID, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &domain.ErrNotFound{Entity: "queue", ID: id}
	}
	return nil
}

func scanQueue(row rowScanner) (*domain.Queue, error) {
	var (
		queue      domain.Queue
		delaysJSON []byte
	)
	err := row.Scan(&queue.ID, &queue.AppID, &queue.Name, &queue.Priority,
		&queue.RateLimit, &queue.MaxRetries, &delaysJSON, &queue.SMTPConfigID,
		&queue.Paused, &queue.TrackOpens, &queue.TrackClicks,
		&queue.CreatedAt, &queue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(delaysJSON) > 0 {
		if err := json.Unmarshal(delaysJSON, &queue.RetryDelays); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retry delays: %w", err)
		}
	}
	return &queue, nil
}
