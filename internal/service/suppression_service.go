package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/logger"
)

// MaxBulkSuppressions caps a bulk import request.
const MaxBulkSuppressions = 1000

// SuppressionService manages the do-not-send list.
type SuppressionService struct {
	suppressionRepo domain.SuppressionRepository
	logger          logger.Logger
}

func NewSuppressionService(suppressionRepo domain.SuppressionRepository, log logger.Logger) *SuppressionService {
	return &SuppressionService{suppressionRepo: suppressionRepo, logger: log}
}

// Add inserts or refreshes one suppression rule for a tenant.
func (s *SuppressionService) Add(ctx context.Context, appID, email string, reason domain.SuppressionReason, expiresAt *time.Time) (*domain.Suppression, error) {
	if email == "" {
		return nil, domain.NewFieldValidationError("email", "email is required")
	}
	if !domain.ValidSuppressionReason(reason) {
		return nil, domain.NewFieldValidationError("reason", "unknown suppression reason")
	}
	rule := &domain.Suppression{
		AppID:     &appID,
		Email:     email,
		Reason:    reason,
		ExpiresAt: expiresAt,
	}
	if err := s.suppressionRepo.Insert(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// BulkAddEntry is one address in a bulk import.
type BulkAddEntry struct {
	Email  string                   `json:"email"`
	Reason domain.SuppressionReason `json:"reason"`
}

// BulkAddResult reports per-entry outcomes of a bulk import.
type BulkAddResult struct {
	Added  int                 `json:"added"`
	Failed int                 `json:"failed"`
	Errors []domain.BatchError `json:"errors,omitempty"`
}

// BulkAdd imports up to MaxBulkSuppressions rules, failing entries
// independently.
func (s *SuppressionService) BulkAdd(ctx context.Context, appID string, entries []BulkAddEntry) (*BulkAddResult, error) {
	if len(entries) == 0 {
		return nil, domain.NewFieldValidationError("entries", "at least one entry is required")
	}
	if len(entries) > MaxBulkSuppressions {
		return nil, domain.NewFieldValidationError("entries", fmt.Sprintf("at most %d entries are allowed", MaxBulkSuppressions))
	}

	result := &BulkAddResult{}
	for i, entry := range entries {
		if _, err := s.Add(ctx, appID, entry.Email, entry.Reason, nil); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.BatchError{
				Index:   i,
				Code:    domain.ErrorCode(err),
				Message: err.Error(),
			})
			continue
		}
		result.Added++
	}
	return result, nil
}

func (s *SuppressionService) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.Suppression, *domain.Cursor, error) {
	return s.suppressionRepo.List(ctx, appID, limit, cursor)
}

func (s *SuppressionService) Delete(ctx context.Context, appID, id string) error {
	return s.suppressionRepo.Delete(ctx, appID, id)
}

// Check reports whether an address is currently blocked for a tenant.
func (s *SuppressionService) Check(ctx context.Context, appID, email string) (*domain.Suppression, error) {
	return s.suppressionRepo.FindActive(ctx, appID, email)
}

// SweepExpired drops rules past their expiry. Soft-bounce suppressions age
// out this way.
func (s *SuppressionService) SweepExpired(ctx context.Context) (int64, error) {
	removed, err := s.suppressionRepo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.WithField("count", removed).Info("Removed expired suppressions")
	}
	return removed, nil
}
