package domain

import (
	"context"
	"time"
)

// App is the tenant boundary. It owns queues, SMTP configurations, emails,
// scheduled jobs, suppressions and webhook deliveries.
type App struct {
	ID                    string                 `json:"id"`
	AccountID             *string                `json:"account_id,omitempty"`
	Name                  string                 `json:"name"`
	Active                bool                   `json:"active"`
	Sandbox               bool                   `json:"sandbox"`
	WebhookURL            *string                `json:"webhook_url,omitempty"`
	WebhookSecretCipher   *string                `json:"-"`
	DailyQuota            *int64                 `json:"daily_quota,omitempty"`
	MonthlyQuota          *int64                 `json:"monthly_quota,omitempty"`
	Settings              map[string]interface{} `json:"settings,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
}

// HasWebhook reports whether lifecycle events should fan out for this app.
func (a *App) HasWebhook() bool {
	return a.WebhookURL != nil && *a.WebhookURL != "" && a.WebhookSecretCipher != nil && *a.WebhookSecretCipher != ""
}

// AppRepository is the persistence port for tenants.
type AppRepository interface {
	Get(ctx context.Context, id string) (*App, error)
	Create(ctx context.Context, app *App) error
	Update(ctx context.Context, app *App) error
	// SetWebhookSecret replaces the active webhook secret ciphertext. The
	// prior secret is invalidated by the overwrite; at most one is active.
	SetWebhookSecret(ctx context.Context, id string, cipher string) error
	// Delete removes the tenant; owned children cascade at the schema level.
	Delete(ctx context.Context, id string) error
}
