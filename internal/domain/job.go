package domain

import (
	"encoding/json"
	"time"
)

// Broker queue names. Logical queues are independent of per-tenant Queue
// rows; they partition jobs by worker type.
const (
	JobQueueEmail   = "email"
	JobQueueWebhook = "webhook"
)

// JobStatus tracks a job through the broker.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of work in the durable broker. Priority 10 dispatches
// first; FIFO applies within a priority.
type Job struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	ReadyAt       time.Time       `json:"ready_at"`
	ReservedUntil *time.Time      `json:"reserved_until,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SendJobPayload is the email queue job body.
type SendJobPayload struct {
	EmailID string `json:"email_id"`
	AppID   string `json:"app_id"`
	QueueID string `json:"queue_id"`
}

// WebhookJobPayload is the webhook queue job body.
type WebhookJobPayload struct {
	DeliveryID string `json:"delivery_id"`
	AppID      string `json:"app_id"`
}

// JobStats summarizes a logical queue for observability endpoints.
type JobStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
