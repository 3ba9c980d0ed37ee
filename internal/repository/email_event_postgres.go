package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// EmailEventRepository implements domain.EmailEventRepository on Postgres.
type EmailEventRepository struct {
	db *sql.DB
}

func NewEmailEventRepository(db *sql.DB) *EmailEventRepository {
	return &EmailEventRepository{db: db}
}

func (r *EmailEventRepository) Append(ctx context.Context, event *domain.EmailEvent) error {
	return appendEventTx(ctx, r.db, event)
}

func (r *EmailEventRepository) AppendTx(ctx context.Context, tx domain.Tx, event *domain.EmailEvent) error {
	return appendEventTx(ctx, tx, event)
}

// appendEventTx writes one event row through any handle exposing ExecContext.
func appendEventTx(ctx context.Context, execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}, event *domain.EmailEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid email event: %w", err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data, err := event.MarshalData()
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query, args, err := psql.Insert("email_events").
		Columns("id", "email_id", "type", "event_data", "created_at").
		Values(event.ID, event.EmailID, event.Type, data, event.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build event insert: %w", err)
	}
	if _, err := execer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert email event: %w", err)
	}
	return nil
}

// ListByEmail returns an email's history, oldest first.
func (r *EmailEventRepository) ListByEmail(ctx context.Context, emailID string) ([]*domain.EmailEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, email_id, type, event_data, created_at
		 FROM email_events WHERE email_id = $1 ORDER BY created_at ASC, id ASC`,
		emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list email events: %w", err)
	}
	defer rows.Close()

	var events []*domain.EmailEvent
	for rows.Next() {
		var (
			event domain.EmailEvent
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.EmailID, &event.Type, &data, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan email event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating email events: %w", err)
	}
	return events, nil
}
