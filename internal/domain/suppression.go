package domain

import (
	"context"
	"strings"
	"time"
)

// SuppressionReason classifies why an address is blocked.
type SuppressionReason string

const (
	SuppressionHardBounce  SuppressionReason = "hard_bounce"
	SuppressionSoftBounce  SuppressionReason = "soft_bounce"
	SuppressionComplaint   SuppressionReason = "complaint"
	SuppressionUnsubscribe SuppressionReason = "unsubscribe"
	SuppressionManual      SuppressionReason = "manual"
)

// ValidSuppressionReason reports whether the reason is a known value.
func ValidSuppressionReason(r SuppressionReason) bool {
	switch r {
	case SuppressionHardBounce, SuppressionSoftBounce, SuppressionComplaint,
		SuppressionUnsubscribe, SuppressionManual:
		return true
	}
	return false
}

// Suppression is a standing rule blocking outbound mail to an address.
// AppID nil means the rule is global across tenants.
type Suppression struct {
	ID            string            `json:"id"`
	AppID         *string           `json:"app_id,omitempty"`
	Email         string            `json:"email"`
	Reason        SuppressionReason `json:"reason"`
	SourceEmailID *string           `json:"source_email_id,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"` // nil = permanent
	CreatedAt     time.Time         `json:"created_at"`
}

// NormalizeSuppressionEmail lowercases addresses so the uniqueness
// constraint over (app-or-null, email) holds regardless of input casing.
func NormalizeSuppressionEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Active reports whether the rule still blocks sends at the given time.
func (s *Suppression) Active(now time.Time) bool {
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// SuppressionRepository is the persistence port for suppression rules.
type SuppressionRepository interface {
	// Insert upserts on (app-or-null, email): an existing rule for the same
	// scope and address is replaced rather than duplicated.
	Insert(ctx context.Context, s *Suppression) error

	// FindActive returns the first non-expired rule matching the address for
	// the tenant or globally, nil when the address is clear.
	FindActive(ctx context.Context, appID, email string) (*Suppression, error)

	List(ctx context.Context, appID string, limit int, cursor *Cursor) ([]*Suppression, *Cursor, error)
	Delete(ctx context.Context, appID, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
