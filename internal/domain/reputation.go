package domain

import (
	"context"
)

// ReputationCriticalThreshold is the score under which sends are rejected
// for non-sandbox tenants.
const ReputationCriticalThreshold = 20

// Reputation is a per-tenant sending health score derived from delivery
// outcomes. Score starts at 100 and decays with bounces and complaints.
type Reputation struct {
	AppID          string  `json:"app_id"`
	Score          float64 `json:"score"`
	DeliveredCount int64   `json:"delivered_count"`
	BouncedCount   int64   `json:"bounced_count"`
	ComplaintCount int64   `json:"complaint_count"`
}

// Throttled reports whether the tenant is below the critical threshold.
func (r *Reputation) Throttled() bool {
	return r.Score < ReputationCriticalThreshold
}

// ThrottleReason describes why sends are being rejected.
func (r *Reputation) ThrottleReason() string {
	return "sender reputation below critical threshold"
}

// ReputationRepository is the persistence port for reputation rows. Get
// returns a pristine score of 100 for tenants without a row yet.
type ReputationRepository interface {
	Get(ctx context.Context, appID string) (*Reputation, error)
	RecordDelivered(ctx context.Context, appID string) error
	RecordBounced(ctx context.Context, appID string, hard bool) error
	RecordComplaint(ctx context.Context, appID string) error
}
