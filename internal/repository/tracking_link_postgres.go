package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
)

// TrackingLinkRepository implements domain.TrackingLinkRepository on Postgres.
type TrackingLinkRepository struct {
	db *sql.DB
}

func NewTrackingLinkRepository(db *sql.DB) *TrackingLinkRepository {
	return &TrackingLinkRepository{db: db}
}

func (r *TrackingLinkRepository) Create(ctx context.Context, link *domain.TrackingLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	query, args, err := psql.Insert("tracking_links").
		Columns("id", "email_id", "short_code", "original_url", "click_count", "created_at").
		Values(link.ID, link.EmailID, link.ShortCode, link.OriginalURL, link.ClickCount, link.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build tracking link insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert tracking link: %w", err)
	}
	return nil
}

func (r *TrackingLinkRepository) GetByShortCode(ctx context.Context, shortCode string) (*domain.TrackingLink, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, email_id, short_code, original_url, click_count, created_at
		 FROM tracking_links WHERE short_code = $1`, shortCode)

	var link domain.TrackingLink
	err := row.Scan(&link.ID, &link.EmailID, &link.ShortCode, &link.OriginalURL,
		&link.ClickCount, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "tracking_link", ID: shortCode}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracking link: %w", err)
	}
	return &link, nil
}

func (r *TrackingLinkRepository) IncrementClicks(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE tracking_links SET click_count = click_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment clicks: %w", err)
	}
	return nil
}

func (r *TrackingLinkRepository) ListByEmail(ctx context.Context, emailID string) ([]*domain.TrackingLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, email_id, short_code, original_url, click_count, created_at
		 FROM tracking_links WHERE email_id = $1 ORDER BY created_at ASC`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking links: %w", err)
	}
	defer rows.Close()

	var links []*domain.TrackingLink
	for rows.Next() {
		var link domain.TrackingLink
		if err := rows.Scan(&link.ID, &link.EmailID, &link.ShortCode,
			&link.OriginalURL, &link.ClickCount, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tracking link: %w", err)
		}
		links = append(links, &link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracking links: %w", err)
	}
	return links, nil
}
