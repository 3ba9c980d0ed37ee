package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// WebhookDeliveryRepository implements domain.WebhookDeliveryRepository on
// Postgres.
type WebhookDeliveryRepository struct {
	db *sql.DB
}

func NewWebhookDeliveryRepository(db *sql.DB) *WebhookDeliveryRepository {
	return &WebhookDeliveryRepository{db: db}
}

const webhookDeliveryColumns = `id, app_id, email_id, event_type, payload, status,
	attempts, last_error, next_retry_at, delivered_at, created_at, updated_at`

func (r *WebhookDeliveryRepository) Create(ctx context.Context, d *domain.WebhookDelivery) error {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.WebhookDeliveryPending
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	query, args, err := psql.Insert("webhook_deliveries").
		Columns("id", "app_id", "email_id", "event_type", "payload", "status",
			"attempts", "last_error", "next_retry_at", "delivered_at",
			"created_at", "updated_at").
		Values(d.ID, d.AppID, d.EmailID, d.EventType, []byte(d.Payload), d.Status,
			d.Attempts, d.LastError, d.NextRetryAt, d.DeliveredAt,
			d.CreatedAt, d.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build webhook delivery insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return nil
}

func (r *WebhookDeliveryRepository) Get(ctx context.Context, appID, id string) (*domain.WebhookDelivery, error) {
	query := fmt.Sprintf(`SELECT %s FROM webhook_deliveries WHERE app_id = $1 AND id = $2`, webhookDeliveryColumns)
	d, err := scanWebhookDelivery(r.db.QueryRowContext(ctx, query, appID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "webhook_delivery", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook delivery: %w", err)
	}
	return d, nil
}

func (r *WebhookDeliveryRepository) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.WebhookDelivery, *domain.Cursor, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	builder := psql.Select(webhookDeliveryColumns).
		From("webhook_deliveries").
		Where(sq.Eq{"app_id": appID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit) + 1)
	if cursor != nil {
		builder = builder.Where(sq.Expr("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build webhook delivery list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating webhook deliveries: %w", err)
	}

	var next *domain.Cursor
	if len(deliveries) > limit {
		deliveries = deliveries[:limit]
		last := deliveries[len(deliveries)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return deliveries, next, nil
}

func (r *WebhookDeliveryRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $1, delivered_at = $2, next_retry_at = NULL, updated_at = $3
		 WHERE id = $4`,
		domain.WebhookDeliveryDelivered, at, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook delivered: %w", err)
	}
	return nil
}

func (r *WebhookDeliveryRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $1, attempts = $2, last_error = $3, next_retry_at = NULL, updated_at = $4
		 WHERE id = $5`,
		domain.WebhookDeliveryFailed, attempts, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

func (r *WebhookDeliveryRepository) ScheduleRetry(ctx context.Context, id string, attempts int, lastError string, nextRetryAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET status = $1, attempts = $2, last_error = $3, next_retry_at = $4, updated_at = $5
		 WHERE id = $6`,
		domain.WebhookDeliveryPending, attempts, lastError, nextRetryAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule webhook retry: %w", err)
	}
	return nil
}

// DuePending returns pending deliveries whose retry time has passed.
func (r *WebhookDeliveryRepository) DuePending(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM webhook_deliveries
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3`, webhookDeliveryColumns)
	rows, err := r.db.QueryContext(ctx, query, domain.WebhookDeliveryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook deliveries: %w", err)
	}
	return deliveries, nil
}

// CleanupOld removes terminal deliveries older than the retention horizon.
func (r *WebhookDeliveryRepository) CleanupOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries
		 WHERE status IN ($1, $2) AND updated_at <= $3`,
		domain.WebhookDeliveryDelivered, domain.WebhookDeliveryFailed, before)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up webhook deliveries: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected, nil
}

func scanWebhookDelivery(row rowScanner) (*domain.WebhookDelivery, error) {
	var (
		d       domain.WebhookDelivery
		payload []byte
	)
	err := row.Scan(&d.ID, &d.AppID, &d.EmailID, &d.EventType, &payload, &d.Status,
		&d.Attempts, &d.LastError, &d.NextRetryAt, &d.DeliveredAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}
