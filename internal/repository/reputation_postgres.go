package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sendline/sendline/internal/domain"
)

// Reputation score adjustments per outcome. Deliveries slowly recover the
// score; hard bounces and complaints pull it down fast.
const (
	reputationDeliveredDelta  = 0.1
	reputationSoftBounceDelta = -1.0
	reputationHardBounceDelta = -5.0
	reputationComplaintDelta  = -10.0
)

// ReputationRepository implements domain.ReputationRepository on Postgres.
type ReputationRepository struct {
	db *sql.DB
}

func NewReputationRepository(db *sql.DB) *ReputationRepository {
	return &ReputationRepository{db: db}
}

// Get returns the tenant's reputation, defaulting to a pristine score of 100
// when no outcomes have been recorded yet.
func (r *ReputationRepository) Get(ctx context.Context, appID string) (*domain.Reputation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT app_id, score, delivered_count, bounced_count, complaint_count
		 FROM reputations WHERE app_id = $1`, appID)

	var rep domain.Reputation
	err := row.Scan(&rep.AppID, &rep.Score, &rep.DeliveredCount, &rep.BouncedCount, &rep.ComplaintCount)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Reputation{AppID: appID, Score: 100}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reputation: %w", err)
	}
	return &rep, nil
}

func (r *ReputationRepository) RecordDelivered(ctx context.Context, appID string) error {
	return r.record(ctx, appID, reputationDeliveredDelta, "delivered_count")
}

func (r *ReputationRepository) RecordBounced(ctx context.Context, appID string, hard bool) error {
	delta := reputationSoftBounceDelta
	if hard {
		delta = reputationHardBounceDelta
	}
	return r.record(ctx, appID, delta, "bounced_count")
}

func (r *ReputationRepository) RecordComplaint(ctx context.Context, appID string) error {
	return r.record(ctx, appID, reputationComplaintDelta, "complaint_count")
}

// record upserts the reputation row, applying the score delta clamped to
// [0, 100] and bumping the outcome counter.
func (r *ReputationRepository) record(ctx context.Context, appID string, delta float64, counter string) error {
	query := fmt.Sprintf(`
		INSERT INTO reputations (app_id, score, %s, updated_at)
		VALUES ($1, LEAST(100, GREATEST(0, 100 + $2)), 1, $3)
		ON CONFLICT (app_id) DO UPDATE SET
			score = LEAST(100, GREATEST(0, reputations.score + $2)),
			%s = reputations.%s + 1,
			updated_at = $3`, counter, counter, counter)
	_, err := r.db.ExecContext(ctx, query, appID, delta, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record reputation outcome: %w", err)
	}
	return nil
}
