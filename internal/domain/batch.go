package domain

import "time"

// MaxBatchEntries caps a single batch submission.
const MaxBatchEntries = 10000

// BatchEmailEntry is one recipient group within a batch submission.
type BatchEmailEntry struct {
	To               []Address              `json:"to"`
	Cc               []Address              `json:"cc,omitempty"`
	Bcc              []Address              `json:"bcc,omitempty"`
	Personalizations map[string]interface{} `json:"personalizations,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// CreateBatchRequest shares sender, subject and body across entries.
type CreateBatchRequest struct {
	Queue       string            `json:"queue"`
	From        Address           `json:"from"`
	ReplyTo     *Address          `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	HTMLBody    string            `json:"html,omitempty"`
	TextBody    string            `json:"text,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Emails      []BatchEmailEntry `json:"emails"`
}

// Entry materializes the per-recipient create request at index i.
func (r *CreateBatchRequest) Entry(i int) CreateEmailRequest {
	entry := r.Emails[i]
	return CreateEmailRequest{
		Queue:           r.Queue,
		From:            r.From,
		To:              entry.To,
		Cc:              entry.Cc,
		Bcc:             entry.Bcc,
		ReplyTo:         r.ReplyTo,
		Subject:         r.Subject,
		HTMLBody:        r.HTMLBody,
		TextBody:        r.TextBody,
		Headers:         r.Headers,
		Personalization: entry.Personalizations,
		Metadata:        entry.Metadata,
		ScheduledAt:     r.ScheduledAt,
	}
}

// BatchError reports why one batch entry was rejected.
type BatchError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchResult is the aggregate outcome of a batch submission.
type BatchResult struct {
	TotalCount  int          `json:"totalCount"`
	QueuedCount int          `json:"queuedCount"`
	FailedCount int          `json:"failedCount"`
	EmailIDs    []string     `json:"emailIds"`
	Errors      []BatchError `json:"errors"`
}
