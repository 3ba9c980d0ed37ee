package domain

import (
	"context"
	"regexp"
	"time"
)

var queueNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// DefaultRetryDelays is the backoff sequence (seconds) applied when a queue
// does not configure its own.
var DefaultRetryDelays = []int{30, 120, 600, 3600, 86400}

// Queue is a named send channel within a tenant carrying priority, rate
// limit and retry policy.
type Queue struct {
	ID           string     `json:"id"`
	AppID        string     `json:"app_id"`
	Name         string     `json:"name"`
	Priority     int        `json:"priority"`             // 1-10, 10 dispatched first
	RateLimit    *int       `json:"rate_limit,omitempty"` // emails/minute
	MaxRetries   int        `json:"max_retries"`          // 0-10
	RetryDelays  []int      `json:"retry_delays"`         // seconds, ordered
	SMTPConfigID *string    `json:"smtp_config_id,omitempty"`
	Paused       bool       `json:"paused"`
	TrackOpens   bool       `json:"track_opens"`
	TrackClicks  bool       `json:"track_clicks"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RetryDelaySeconds returns the backoff for a given attempt count, clamping
// to the last configured delay.
func (q *Queue) RetryDelaySeconds(attempts int) int {
	delays := q.RetryDelays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	idx := attempts
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return delays[idx]
}

// Validate enforces queue invariants on create and update.
func (q *Queue) Validate() error {
	details := map[string]string{}
	if !queueNamePattern.MatchString(q.Name) {
		details["name"] = "name must be lowercase alphanumeric with hyphens"
	}
	if q.Priority < 1 || q.Priority > 10 {
		details["priority"] = "priority must be between 1 and 10"
	}
	if q.MaxRetries < 0 || q.MaxRetries > 10 {
		details["max_retries"] = "max_retries must be between 0 and 10"
	}
	if q.RateLimit != nil && *q.RateLimit < 1 {
		details["rate_limit"] = "rate_limit must be positive"
	}
	for _, d := range q.RetryDelays {
		if d < 1 {
			details["retry_delays"] = "retry delays must be positive seconds"
			break
		}
	}
	if len(details) > 0 {
		return &ValidationError{Message: "invalid queue", Details: details}
	}
	return nil
}

// QueueRepository is the persistence port for queues.
type QueueRepository interface {
	Create(ctx context.Context, queue *Queue) error
	Get(ctx context.Context, appID, id string) (*Queue, error)
	GetByName(ctx context.Context, appID, name string) (*Queue, error)
	List(ctx context.Context, appID string) ([]*Queue, error)
	Update(ctx context.Context, queue *Queue) error
	SetPaused(ctx context.Context, appID, id string, paused bool) error
	Delete(ctx context.Context, appID, id string) error
}
