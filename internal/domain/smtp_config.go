package domain

import (
	"context"
	"time"
)

// SMTP encryption modes.
const (
	SMTPEncryptionTLS      = "tls"
	SMTPEncryptionSTARTTLS = "starttls"
	SMTPEncryptionNone     = "none"
)

// SMTPConfig holds relay credentials for a tenant. PasswordCipher is
// AES-256-GCM ciphertext; the plaintext exists only inside the delivery
// engine after decryption.
type SMTPConfig struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app_id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	Username       string    `json:"username"`
	PasswordCipher string    `json:"-"`
	Encryption     string    `json:"encryption"`
	PoolSize       int       `json:"pool_size"`  // 1-50
	TimeoutMs      int       `json:"timeout_ms"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate enforces SMTP configuration bounds.
func (c *SMTPConfig) Validate() error {
	details := map[string]string{}
	if c.Name == "" {
		details["name"] = "name is required"
	}
	if c.Host == "" {
		details["host"] = "host is required"
	}
	if c.Port < 1 || c.Port > 65535 {
		details["port"] = "port must be between 1 and 65535"
	}
	switch c.Encryption {
	case SMTPEncryptionTLS, SMTPEncryptionSTARTTLS, SMTPEncryptionNone:
	default:
		details["encryption"] = "encryption must be tls, starttls or none"
	}
	if c.PoolSize < 1 || c.PoolSize > 50 {
		details["pool_size"] = "pool_size must be between 1 and 50"
	}
	if c.TimeoutMs < 0 {
		details["timeout_ms"] = "timeout_ms must not be negative"
	}
	if len(details) > 0 {
		return &ValidationError{Message: "invalid smtp configuration", Details: details}
	}
	return nil
}

// Timeout returns the configured timeout with the 30s default applied.
func (c *SMTPConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SMTPConfigRepository is the persistence port for SMTP configurations.
type SMTPConfigRepository interface {
	Create(ctx context.Context, cfg *SMTPConfig) error
	Get(ctx context.Context, appID, id string) (*SMTPConfig, error)
	List(ctx context.Context, appID string) ([]*SMTPConfig, error)
	Update(ctx context.Context, cfg *SMTPConfig) error
	// Delete removes the configuration; queues referencing it have their
	// smtp_config_id set null by the schema.
	Delete(ctx context.Context, appID, id string) error
}
