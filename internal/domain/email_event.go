package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the observable email lifecycle events.
type EventType string

const (
	EventQueued       EventType = "queued"
	EventProcessing   EventType = "processing"
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

// EventData is the tagged union of per-event payloads. Exactly one field is
// set, matching the event type.
type EventData struct {
	Queued      *QueuedData      `json:"queued,omitempty"`
	Processing  *ProcessingData  `json:"processing,omitempty"`
	Sent        *SentData        `json:"sent,omitempty"`
	Delivered   *DeliveredData   `json:"delivered,omitempty"`
	Opened      *OpenedData      `json:"opened,omitempty"`
	Clicked     *ClickedData     `json:"clicked,omitempty"`
	Bounced     *BouncedData     `json:"bounced,omitempty"`
	Complained  *ComplainedData  `json:"complained,omitempty"`
	Unsubscribe *UnsubscribeData `json:"unsubscribed,omitempty"`
}

type QueuedData struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type ProcessingData struct {
	Attempt   int  `json:"attempt"`
	Throttled bool `json:"throttled,omitempty"`
}

type SentData struct {
	MessageID string   `json:"message_id"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

type DeliveredData struct {
	Recipient string `json:"recipient,omitempty"`
}

type OpenedData struct {
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

type ClickedData struct {
	URL       string `json:"url"`
	ShortCode string `json:"short_code,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type BouncedData struct {
	BounceType string `json:"bounce_type"` // "hard" or "soft"
	Reason     string `json:"reason,omitempty"`
}

type ComplainedData struct {
	ComplaintType string `json:"complaint_type,omitempty"`
}

type UnsubscribeData struct {
	Source string `json:"source,omitempty"`
}

// Validate checks that the payload matches the event type.
func (e *EmailEvent) Validate() error {
	var populated int
	check := func(present bool, t EventType) error {
		if present {
			populated++
			if e.Type != t {
				return fmt.Errorf("event data %q does not match event type %q", t, e.Type)
			}
		}
		return nil
	}
	checks := []error{
		check(e.Data.Queued != nil, EventQueued),
		check(e.Data.Processing != nil, EventProcessing),
		check(e.Data.Sent != nil, EventSent),
		check(e.Data.Delivered != nil, EventDelivered),
		check(e.Data.Opened != nil, EventOpened),
		check(e.Data.Clicked != nil, EventClicked),
		check(e.Data.Bounced != nil, EventBounced),
		check(e.Data.Complained != nil, EventComplained),
		check(e.Data.Unsubscribe != nil, EventUnsubscribed),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if populated > 1 {
		return fmt.Errorf("event data must populate at most one variant")
	}
	return nil
}

// EmailEvent is one append-only entry in an email's lifecycle history.
type EmailEvent struct {
	ID        string    `json:"id"`
	EmailID   string    `json:"email_id"`
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalData serializes the payload for storage.
func (e *EmailEvent) MarshalData() ([]byte, error) {
	return json.Marshal(e.Data)
}

// EmailEventRepository is the append-only persistence port for events.
type EmailEventRepository interface {
	Append(ctx context.Context, event *EmailEvent) error
	AppendTx(ctx context.Context, tx Tx, event *EmailEvent) error
	ListByEmail(ctx context.Context, emailID string) ([]*EmailEvent, error)
}
