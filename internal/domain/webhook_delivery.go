package domain

import (
	"context"
	"encoding/json"
	"time"
)

// WebhookDeliveryStatus tracks an outbound webhook through its retries.
type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliveryDelivered WebhookDeliveryStatus = "delivered"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
)

// WebhookMaxAttempts bounds delivery retries before marking failed.
const WebhookMaxAttempts = 5

// Webhook event types emitted on the wire, derived from lifecycle events.
const (
	WebhookEmailQueued     = "email.queued"
	WebhookEmailSent       = "email.sent"
	WebhookEmailDelivered  = "email.delivered"
	WebhookEmailOpened     = "email.opened"
	WebhookEmailClicked    = "email.clicked"
	WebhookEmailBounced    = "email.bounced"
	WebhookEmailComplained = "email.complained"
	WebhookEmailFailed     = "email.failed"
)

// WebhookDelivery is one at-least-once delivery of a lifecycle event to a
// tenant's webhook URL. EmailID is weak: deleting the source email nulls it
// and the delivery history persists.
type WebhookDelivery struct {
	ID          string                `json:"id"`
	AppID       string                `json:"app_id"`
	EmailID     *string               `json:"email_id,omitempty"`
	EventType   string                `json:"event_type"`
	Payload     json.RawMessage       `json:"payload"`
	Status      WebhookDeliveryStatus `json:"status"`
	Attempts    int                   `json:"attempts"`
	LastError   *string               `json:"last_error,omitempty"`
	NextRetryAt *time.Time            `json:"next_retry_at,omitempty"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// WebhookPayload is the canonical JSON body posted to receivers. Every
// payload carries a unique id so receivers can deduplicate out-of-order
// deliveries.
type WebhookPayload struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      WebhookPayloadData `json:"data"`
}

// WebhookPayloadData is the event snapshot inside a webhook payload.
type WebhookPayloadData struct {
	EmailID   string                 `json:"emailId"`
	MessageID string                 `json:"messageId,omitempty"`
	AppID     string                 `json:"appId"`
	QueueName string                 `json:"queueName"`
	From      string                 `json:"from"`
	To        []string               `json:"to"`
	Subject   string                 `json:"subject"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Event     *EventData             `json:"event,omitempty"`
}

// WebhookDeliveryRepository is the persistence port for webhook deliveries.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *WebhookDelivery) error
	Get(ctx context.Context, appID, id string) (*WebhookDelivery, error)
	List(ctx context.Context, appID string, limit int, cursor *Cursor) ([]*WebhookDelivery, *Cursor, error)

	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	ScheduleRetry(ctx context.Context, id string, attempts int, lastError string, nextRetryAt time.Time) error

	// DuePending returns pending deliveries whose next_retry_at has passed,
	// for the sweeper to re-enqueue.
	DuePending(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)

	CleanupOld(ctx context.Context, before time.Time) (int64, error)
}
