package service

import (
	"context"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/crypto"
	"github.com/sendline/sendline/pkg/logger"
)

// SMTPConfigService manages tenant relay credentials. Passwords are
// AES-256-GCM encrypted at rest; plaintext never leaves this service except
// into the delivery engine.
type SMTPConfigService struct {
	smtpRepo domain.SMTPConfigRepository
	key      []byte
	logger   logger.Logger
}

func NewSMTPConfigService(smtpRepo domain.SMTPConfigRepository, encryptionKey []byte, log logger.Logger) *SMTPConfigService {
	return &SMTPConfigService{smtpRepo: smtpRepo, key: encryptionKey, logger: log}
}

// Create stores a configuration, encrypting the supplied plaintext password.
func (s *SMTPConfigService) Create(ctx context.Context, cfg *domain.SMTPConfig, password string) (*domain.SMTPConfig, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 5
	}
	if cfg.Encryption == "" {
		cfg.Encryption = domain.SMTPEncryptionSTARTTLS
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if password != "" {
		cipher, err := crypto.EncryptString(password, s.key)
		if err != nil {
			return nil, err
		}
		cfg.PasswordCipher = cipher
	}
	cfg.Active = true
	if err := s.smtpRepo.Create(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SMTPConfigService) Get(ctx context.Context, appID, id string) (*domain.SMTPConfig, error) {
	return s.smtpRepo.Get(ctx, appID, id)
}

func (s *SMTPConfigService) List(ctx context.Context, appID string) ([]*domain.SMTPConfig, error) {
	return s.smtpRepo.List(ctx, appID)
}

// Update rewrites a configuration. An empty password keeps the stored one.
func (s *SMTPConfigService) Update(ctx context.Context, cfg *domain.SMTPConfig, password string) (*domain.SMTPConfig, error) {
	current, err := s.smtpRepo.Get(ctx, cfg.AppID, cfg.ID)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if password != "" {
		cipher, err := crypto.EncryptString(password, s.key)
		if err != nil {
			return nil, err
		}
		cfg.PasswordCipher = cipher
	} else {
		cfg.PasswordCipher = current.PasswordCipher
	}
	if err := s.smtpRepo.Update(ctx, cfg); err != nil {
		return nil, err
	}
	return s.smtpRepo.Get(ctx, cfg.AppID, cfg.ID)
}

func (s *SMTPConfigService) Delete(ctx context.Context, appID, id string) error {
	return s.smtpRepo.Delete(ctx, appID, id)
}

// Password decrypts the stored credential for the delivery engine.
func (s *SMTPConfigService) Password(cfg *domain.SMTPConfig) (string, error) {
	if cfg.PasswordCipher == "" {
		return "", nil
	}
	return crypto.DecryptFromHexString(cfg.PasswordCipher, s.key)
}
