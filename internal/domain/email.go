package domain

import (
	"context"
	"database/sql"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// EmailStatus represents the lifecycle state of an email.
type EmailStatus string

const (
	EmailStatusQueued     EmailStatus = "queued"
	EmailStatusProcessing EmailStatus = "processing"
	EmailStatusSent       EmailStatus = "sent"
	EmailStatusDelivered  EmailStatus = "delivered"
	EmailStatusBounced    EmailStatus = "bounced"
	EmailStatusFailed     EmailStatus = "failed"
	EmailStatusCancelled  EmailStatus = "cancelled"
)

// allowedTransitions encodes the status machine. The only backward edge is
// processing -> queued, used when a transient send failure schedules a retry.
var allowedTransitions = map[EmailStatus][]EmailStatus{
	EmailStatusQueued:     {EmailStatusProcessing, EmailStatusCancelled},
	EmailStatusProcessing: {EmailStatusQueued, EmailStatusSent, EmailStatusFailed},
	EmailStatusSent:       {EmailStatusDelivered, EmailStatusBounced},
	EmailStatusDelivered:  {},
	EmailStatusBounced:    {},
	EmailStatusFailed:     {EmailStatusQueued}, // manual retry endpoint
	EmailStatusCancelled:  {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to EmailStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the lifecycle for the pipeline.
func (s EmailStatus) IsTerminal() bool {
	switch s {
	case EmailStatusSent, EmailStatusDelivered, EmailStatusBounced, EmailStatusFailed, EmailStatusCancelled:
		return true
	}
	return false
}

// Address is a recipient or sender with an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Payload and body limits enforced at admission.
const (
	MaxRecipientsPerField = 50
	MaxSubjectLength      = 998
	MaxHTMLBodyBytes      = 5 * 1024 * 1024
	MaxTextBodyBytes      = 1 * 1024 * 1024
	MaxAddressLength      = 254
	MaxLocalPartLength    = 64
)

// Email is a single transactional message owned by a tenant.
type Email struct {
	ID              string                 `json:"id"`
	AppID           string                 `json:"app_id"`
	QueueID         string                 `json:"queue_id"`
	IdempotencyKey  *string                `json:"idempotency_key,omitempty"`
	MessageID       *string                `json:"message_id,omitempty"`
	From            Address                `json:"from"`
	To              []Address              `json:"to"`
	Cc              []Address              `json:"cc,omitempty"`
	Bcc             []Address              `json:"bcc,omitempty"`
	ReplyTo         *Address               `json:"reply_to,omitempty"`
	Subject         string                 `json:"subject"`
	HTMLBody        string                 `json:"html_body,omitempty"`
	TextBody        string                 `json:"text_body,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Personalization map[string]interface{} `json:"personalization,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Status          EmailStatus            `json:"status"`
	RetryCount      int                    `json:"retry_count"`
	LastError       *string                `json:"last_error,omitempty"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
	SentAt          *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt     *time.Time             `json:"delivered_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Recipients returns every envelope recipient across to, cc and bcc.
func (e *Email) Recipients() []Address {
	out := make([]Address, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// CreateEmailRequest is the admission payload for a single send.
type CreateEmailRequest struct {
	Queue           string                 `json:"queue"`
	From            Address                `json:"from"`
	To              []Address              `json:"to"`
	Cc              []Address              `json:"cc,omitempty"`
	Bcc             []Address              `json:"bcc,omitempty"`
	ReplyTo         *Address               `json:"reply_to,omitempty"`
	Subject         string                 `json:"subject"`
	HTMLBody        string                 `json:"html,omitempty"`
	TextBody        string                 `json:"text,omitempty"`
	Headers         map[string]string      `json:"headers,omitempty"`
	Personalization map[string]interface{} `json:"personalizations,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
}

// Validate checks the payload against the admission rules and collects every
// violation under its JSON path.
func (r *CreateEmailRequest) Validate() error {
	details := map[string]string{}

	if r.Queue == "" {
		details["queue"] = "queue name is required"
	}

	if msg := validateAddress(r.From.Email); msg != "" {
		details["from.email"] = msg
	}

	if len(r.To) == 0 {
		details["to"] = "at least one recipient is required"
	}
	validateAddressList(details, "to", r.To)
	validateAddressList(details, "cc", r.Cc)
	validateAddressList(details, "bcc", r.Bcc)

	if r.ReplyTo != nil {
		if msg := validateAddress(r.ReplyTo.Email); msg != "" {
			details["reply_to.email"] = msg
		}
	}

	if strings.TrimSpace(r.Subject) == "" {
		details["subject"] = "subject is required"
	} else if len(r.Subject) > MaxSubjectLength {
		details["subject"] = "subject exceeds 998 characters"
	}

	if r.HTMLBody == "" && r.TextBody == "" {
		details["html"] = "either html or text body is required"
	}
	if len(r.HTMLBody) > MaxHTMLBodyBytes {
		details["html"] = "html body exceeds 5MB"
	}
	if len(r.TextBody) > MaxTextBodyBytes {
		details["text"] = "text body exceeds 1MB"
	}
	if r.HTMLBody != "" {
		if msg := validateHTMLSafety(r.HTMLBody); msg != "" {
			details["html"] = msg
		}
	}

	if len(details) > 0 {
		return &ValidationError{Message: "invalid email payload", Details: details}
	}
	return nil
}

func validateAddressList(details map[string]string, field string, addrs []Address) {
	if len(addrs) > MaxRecipientsPerField {
		details[field] = "at most 50 recipients are allowed"
		return
	}
	for i, addr := range addrs {
		if msg := validateAddress(addr.Email); msg != "" {
			details[field+"["+strconv.Itoa(i)+"].email"] = msg
		}
	}
}

// validateAddress applies the pragmatic RFC-5322 grammar from admission:
// govalidator's parse plus explicit length and dot rules.
func validateAddress(email string) string {
	if email == "" {
		return "email address is required"
	}
	if len(email) > MaxAddressLength {
		return "email address exceeds 254 characters"
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "email address is malformed"
	}
	local := email[:at]
	if len(local) > MaxLocalPartLength {
		return "local part exceeds 64 characters"
	}
	if strings.Contains(email, "..") {
		return "email address must not contain consecutive dots"
	}
	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return "local part must not start or end with a dot"
	}
	if !govalidator.IsEmail(email) {
		return "email address is malformed"
	}
	return ""
}

var (
	htmlUnsafePatterns        = []string{"<script", "javascript:"}
	inlineEventHandlerPattern = regexp.MustCompile(`\son[a-z]+\s*=`)
)

// validateHTMLSafety rejects bodies carrying active content.
func validateHTMLSafety(html string) string {
	lowered := strings.ToLower(html)
	for _, pattern := range htmlUnsafePatterns {
		if strings.Contains(lowered, pattern) {
			return "html body contains disallowed active content"
		}
	}
	if inlineEventHandlerPattern.MatchString(lowered) {
		return "html body contains disallowed event handlers"
	}
	return ""
}

// EmailListFilter narrows cursor listings.
type EmailListFilter struct {
	AppID   string
	QueueID string
	Status  EmailStatus
	Limit   int
	Cursor  *Cursor
}

// EmailRepository is the persistence port for emails.
type EmailRepository interface {
	// Insert persists a queued email. When the request carries an
	// idempotency key and a row for (app, key) already exists, the existing
	// email is returned with replayed=true and no new row is created.
	Insert(ctx context.Context, email *Email) (existing *Email, replayed bool, err error)

	// FindByIdempotencyKey returns the email stored under (app, key), nil
	// when the key is unused.
	FindByIdempotencyKey(ctx context.Context, appID, key string) (*Email, error)

	Get(ctx context.Context, appID, id string) (*Email, error)

	// GetByID loads an email without tenant scoping, for internal paths
	// (workers, tracking ingress) that hold only the email id.
	GetByID(ctx context.Context, id string) (*Email, error)

	// List returns a page ordered by (created_at desc, id desc) plus the
	// cursor for the next page, nil when exhausted.
	List(ctx context.Context, filter EmailListFilter) ([]*Email, *Cursor, error)

	// UpdateStatus moves an email between states. The transition guard runs
	// in SQL: the update matches only rows currently in one of allowedFrom,
	// so concurrent workers and redelivered jobs cannot double-apply it.
	// Returns false when no row matched.
	UpdateStatus(ctx context.Context, id string, from []EmailStatus, update StatusUpdate) (bool, error)

	// TransitionWithEvent applies UpdateStatus and appends the given event in
	// one transaction.
	TransitionWithEvent(ctx context.Context, id string, from []EmailStatus, update StatusUpdate, event *EmailEvent) (bool, error)

	Delete(ctx context.Context, appID, id string) error
	CountForAppSince(ctx context.Context, appID string, since time.Time) (int64, error)
}

// StatusUpdate is the mutable slice of an email row a transition may touch.
type StatusUpdate struct {
	Status         EmailStatus
	MessageID      *string
	LastError      *string
	SentAt         *time.Time
	DeliveredAt    *time.Time
	IncrementRetry bool
	ResetRetry     bool
}

// Tx abstracts the transactional handle repositories share.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
