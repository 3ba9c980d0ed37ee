package domain

import (
	"context"
	"time"
)

// TrackingLink rewrites one URL in an email body for click tracking. Short
// codes are unique across all tenants.
type TrackingLink struct {
	ID          string    `json:"id"`
	EmailID     string    `json:"email_id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	ClickCount  int64     `json:"click_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TrackingLinkRepository is the persistence port for tracking links.
type TrackingLinkRepository interface {
	Create(ctx context.Context, link *TrackingLink) error
	GetByShortCode(ctx context.Context, shortCode string) (*TrackingLink, error)
	IncrementClicks(ctx context.Context, id string) error
	ListByEmail(ctx context.Context, emailID string) ([]*TrackingLink, error)
}
