package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
)

const (
	apiKeyTokenBytes    = 32
	webhookSecretBytes  = 32
	apiKeyTokenPrefix   = "sl_"
	webhookSecretPrefix = "whsec_"
)

// AppService manages tenants, their API keys and their webhook endpoint.
// API key tokens and webhook secrets are returned in plaintext exactly once,
// at creation; only digests or ciphertext are stored.
type AppService struct {
	appRepo       domain.AppRepository
	apiKeyRepo    domain.APIKeyRepository
	urlValidator  URLValidator
	encryptionKey []byte
	logger        logger.Logger
}

func NewAppService(appRepo domain.AppRepository, apiKeyRepo domain.APIKeyRepository, urlValidator URLValidator, encryptionKey []byte, log logger.Logger) *AppService {
	return &AppService{
		appRepo:       appRepo,
		apiKeyRepo:    apiKeyRepo,
		urlValidator:  urlValidator,
		encryptionKey: encryptionKey,
		logger:        log,
	}
}

func (s *AppService) Create(ctx context.Context, app *domain.App) (*domain.App, error) {
	if app.Name == "" {
		return nil, domain.NewFieldValidationError("name", "name is required")
	}
	app.ID = uuid.NewString()
	app.Active = true
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	if err := s.appRepo.Create(ctx, app); err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"app_id": app.ID,
		"name":   app.Name,
	}).Info("Application created")
	return app, nil
}

func (s *AppService) Get(ctx context.Context, id string) (*domain.App, error) {
	return s.appRepo.Get(ctx, id)
}

func (s *AppService) Update(ctx context.Context, app *domain.App) (*domain.App, error) {
	if app.Name == "" {
		return nil, domain.NewFieldValidationError("name", "name is required")
	}
	current, err := s.appRepo.Get(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	current.Name = app.Name
	current.Active = app.Active
	current.Sandbox = app.Sandbox
	current.DailyQuota = app.DailyQuota
	current.MonthlyQuota = app.MonthlyQuota
	current.Settings = app.Settings
	current.UpdatedAt = time.Now().UTC()
	if err := s.appRepo.Update(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *AppService) Delete(ctx context.Context, id string) error {
	if err := s.appRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("app_id", id).Info("Application deleted")
	return nil
}

// CreateAPIKeyRequest carries the creation parameters for a tenant API key.
type CreateAPIKeyRequest struct {
	Name        string     `json:"name"`
	Scopes      []string   `json:"scopes"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"`
	RateLimit   *int       `json:"rate_limit,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CreateAPIKey mints a key for the tenant. The returned token is shown only
// in this response; the store keeps its SHA-256 digest.
func (s *AppService) CreateAPIKey(ctx context.Context, appID string, req *CreateAPIKeyRequest) (*domain.APIKey, string, error) {
	if req.Name == "" {
		return nil, "", domain.NewFieldValidationError("name", "name is required")
	}
	if len(req.Scopes) == 0 {
		return nil, "", domain.NewFieldValidationError("scopes", "at least one scope is required")
	}
	for _, scope := range req.Scopes {
		switch scope {
		case domain.ScopeSendEmail, domain.ScopeReadEmail, domain.ScopeManageQueue, domain.ScopeManageApp:
		default:
			return nil, "", domain.NewFieldValidationError("scopes", "unknown scope "+scope)
		}
	}
	if req.RateLimit != nil && *req.RateLimit < 1 {
		return nil, "", domain.NewFieldValidationError("rate_limit", "rate_limit must be positive")
	}

	// Tenant must exist before a key can point at it.
	if _, err := s.appRepo.Get(ctx, appID); err != nil {
		return nil, "", err
	}

	secret, err := crypto.GenerateSecret(apiKeyTokenBytes)
	if err != nil {
		return nil, "", err
	}
	token := apiKeyTokenPrefix + secret

	key := &domain.APIKey{
		ID:          uuid.NewString(),
		AppID:       appID,
		Name:        req.Name,
		KeyHash:     crypto.HashToken(token),
		Scopes:      req.Scopes,
		IPAllowlist: req.IPAllowlist,
		RateLimit:   req.RateLimit,
		Active:      true,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.apiKeyRepo.Create(ctx, key); err != nil {
		return nil, "", err
	}
	s.logger.WithFields(map[string]interface{}{
		"app_id": appID,
		"key_id": key.ID,
	}).Info("API key created")
	return key, token, nil
}

func (s *AppService) RevokeAPIKey(ctx context.Context, appID, keyID string) error {
	return s.apiKeyRepo.Revoke(ctx, appID, keyID)
}

// ConfigureWebhook sets the tenant's webhook URL and rotates its signing
// secret. The plaintext secret is returned once; the store keeps ciphertext.
// An empty URL disables the webhook.
func (s *AppService) ConfigureWebhook(ctx context.Context, appID, rawURL string) (*domain.App, string, error) {
	app, err := s.appRepo.Get(ctx, appID)
	if err != nil {
		return nil, "", err
	}

	if rawURL == "" {
		app.WebhookURL = nil
		app.UpdatedAt = time.Now().UTC()
		if err := s.appRepo.Update(ctx, app); err != nil {
			return nil, "", err
		}
		return app, "", nil
	}

	if err := s.urlValidator.Validate(ctx, rawURL); err != nil {
		return nil, "", domain.NewFieldValidationError("url", err.Error())
	}

	secret, err := crypto.GenerateSecret(webhookSecretBytes)
	if err != nil {
		return nil, "", err
	}
	secret = webhookSecretPrefix + secret
	cipher, err := crypto.EncryptString(secret, s.encryptionKey)
	if err != nil {
		return nil, "", err
	}

	app.WebhookURL = &rawURL
	app.UpdatedAt = time.Now().UTC()
	if err := s.appRepo.Update(ctx, app); err != nil {
		return nil, "", err
	}
	if err := s.appRepo.SetWebhookSecret(ctx, appID, cipher); err != nil {
		return nil, "", err
	}
	app.WebhookSecretCipher = &cipher
	s.logger.WithField("app_id", appID).Info("Webhook endpoint configured")
	return app, secret, nil
}
