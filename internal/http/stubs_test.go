package http

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/ratelimiter"
)

// In-memory ports backing the handler tests. They cover just enough
// behavior for the services to run end to end over httptest.

type memEmailRepo struct {
	mu     sync.Mutex
	emails map[string]*domain.Email
	byKey  map[string]string // "app/idempotency-key" -> email id
	events map[string][]*domain.EmailEvent
}

func newMemEmailRepo() *memEmailRepo {
	return &memEmailRepo{
		emails: map[string]*domain.Email{},
		byKey:  map[string]string{},
		events: map[string][]*domain.EmailEvent{},
	}
}

func (r *memEmailRepo) Insert(ctx context.Context, email *domain.Email) (*domain.Email, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email.IdempotencyKey != nil {
		key := email.AppID + "/" + *email.IdempotencyKey
		if id, ok := r.byKey[key]; ok {
			return r.emails[id], true, nil
		}
		defer func() { r.byKey[key] = email.ID }()
	}
	email.ID = uuid.New().String()
	email.Status = domain.EmailStatusQueued
	email.CreatedAt = time.Now().UTC()
	r.emails[email.ID] = email
	return email, false, nil
}

func (r *memEmailRepo) FindByIdempotencyKey(ctx context.Context, appID, key string) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[appID+"/"+key]; ok {
		return r.emails[id], nil
	}
	return nil, nil
}

func (r *memEmailRepo) Get(ctx context.Context, appID, id string) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email, ok := r.emails[id]; ok && email.AppID == appID {
		return email, nil
	}
	return nil, &domain.ErrNotFound{Entity: "email", ID: id}
}

func (r *memEmailRepo) GetByID(ctx context.Context, id string) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email, ok := r.emails[id]; ok {
		return email, nil
	}
	return nil, &domain.ErrNotFound{Entity: "email", ID: id}
}

func (r *memEmailRepo) List(ctx context.Context, filter domain.EmailListFilter) ([]*domain.Email, *domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Email
	for _, email := range r.emails {
		if email.AppID != filter.AppID {
			continue
		}
		if filter.Status != "" && email.Status != filter.Status {
			continue
		}
		out = append(out, email)
	}
	return out, nil, nil
}

func (r *memEmailRepo) UpdateStatus(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email, ok := r.emails[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, status := range from {
		if email.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	email.Status = update.Status
	if update.LastError != nil {
		email.LastError = update.LastError
	}
	if update.IncrementRetry {
		email.RetryCount++
	}
	return true, nil
}

func (r *memEmailRepo) TransitionWithEvent(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate, event *domain.EmailEvent) (bool, error) {
	applied, err := r.UpdateStatus(ctx, id, from, update)
	if err != nil || !applied {
		return applied, err
	}
	r.mu.Lock()
	r.events[id] = append(r.events[id], event)
	r.mu.Unlock()
	return true, nil
}

func (r *memEmailRepo) Delete(ctx context.Context, appID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.emails, id)
	return nil
}

func (r *memEmailRepo) CountForAppSince(ctx context.Context, appID string, since time.Time) (int64, error) {
	return 0, nil
}

type memEventRepo struct {
	mu     sync.Mutex
	events map[string][]*domain.EmailEvent
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{events: map[string][]*domain.EmailEvent{}}
}

func (r *memEventRepo) Append(ctx context.Context, event *domain.EmailEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[event.EmailID] = append(r.events[event.EmailID], event)
	return nil
}

func (r *memEventRepo) AppendTx(ctx context.Context, tx domain.Tx, event *domain.EmailEvent) error {
	return r.Append(ctx, event)
}

func (r *memEventRepo) ListByEmail(ctx context.Context, emailID string) ([]*domain.EmailEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[emailID], nil
}

type memQueueRepo struct {
	mu     sync.Mutex
	queues map[string]*domain.Queue // by id
}

func newMemQueueRepo(queues ...*domain.Queue) *memQueueRepo {
	r := &memQueueRepo{queues: map[string]*domain.Queue{}}
	for _, q := range queues {
		r.queues[q.ID] = q
	}
	return r
}

func (r *memQueueRepo) Create(ctx context.Context, queue *domain.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if queue.ID == "" {
		queue.ID = "queue-" + strconv.Itoa(len(r.queues)+1)
	}
	r.queues[queue.ID] = queue
	return nil
}

func (r *memQueueRepo) Get(ctx context.Context, appID, id string) (*domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[id]; ok && q.AppID == appID {
		return q, nil
	}
	return nil, &domain.ErrNotFound{Entity: "queue", ID: id}
}

func (r *memQueueRepo) GetByName(ctx context.Context, appID, name string) (*domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.AppID == appID && q.Name == name {
			return q, nil
		}
	}
	return nil, &domain.ErrNotFound{Entity: "queue", ID: name}
}

func (r *memQueueRepo) List(ctx context.Context, appID string) ([]*domain.Queue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Queue
	for _, q := range r.queues {
		if q.AppID == appID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (r *memQueueRepo) Update(ctx context.Context, queue *domain.Queue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[queue.ID] = queue
	return nil
}

func (r *memQueueRepo) SetPaused(ctx context.Context, appID, id string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[id]; ok && q.AppID == appID {
		q.Paused = paused
		return nil
	}
	return &domain.ErrNotFound{Entity: "queue", ID: id}
}

func (r *memQueueRepo) Delete(ctx context.Context, appID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, id)
	return nil
}

type memSMTPConfigRepo struct {
	mu      sync.Mutex
	configs map[string]*domain.SMTPConfig
}

func newMemSMTPConfigRepo(configs ...*domain.SMTPConfig) *memSMTPConfigRepo {
	r := &memSMTPConfigRepo{configs: map[string]*domain.SMTPConfig{}}
	for _, cfg := range configs {
		r.configs[cfg.ID] = cfg
	}
	return r
}

func (r *memSMTPConfigRepo) Create(ctx context.Context, cfg *domain.SMTPConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = "smtp-" + strconv.Itoa(len(r.configs)+1)
	}
	r.configs[cfg.ID] = cfg
	return nil
}

func (r *memSMTPConfigRepo) Get(ctx context.Context, appID, id string) (*domain.SMTPConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.configs[id]; ok && cfg.AppID == appID {
		return cfg, nil
	}
	return nil, &domain.ErrNotFound{Entity: "smtp_config", ID: id}
}

func (r *memSMTPConfigRepo) List(ctx context.Context, appID string) ([]*domain.SMTPConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SMTPConfig
	for _, cfg := range r.configs {
		if cfg.AppID == appID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (r *memSMTPConfigRepo) Update(ctx context.Context, cfg *domain.SMTPConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cfg
	return nil
}

func (r *memSMTPConfigRepo) Delete(ctx context.Context, appID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, id)
	return nil
}

type memStatsProvider struct {
	stats domain.JobStats
}

func (p *memStatsProvider) Stats(ctx context.Context, queue string) (*domain.JobStats, error) {
	s := p.stats
	return &s, nil
}

type memSuppressionRepo struct {
	FindActiveFn func(ctx context.Context, appID, email string) (*domain.Suppression, error)
}

func (r *memSuppressionRepo) Insert(ctx context.Context, s *domain.Suppression) error { return nil }

func (r *memSuppressionRepo) FindActive(ctx context.Context, appID, email string) (*domain.Suppression, error) {
	if r.FindActiveFn != nil {
		return r.FindActiveFn(ctx, appID, email)
	}
	return nil, nil
}

func (r *memSuppressionRepo) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.Suppression, *domain.Cursor, error) {
	return nil, nil, nil
}

func (r *memSuppressionRepo) Delete(ctx context.Context, appID, id string) error { return nil }

func (r *memSuppressionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memReputationRepo struct{}

func (memReputationRepo) Get(ctx context.Context, appID string) (*domain.Reputation, error) {
	return &domain.Reputation{AppID: appID, Score: 100}, nil
}

func (memReputationRepo) RecordDelivered(ctx context.Context, appID string) error        { return nil }
func (memReputationRepo) RecordBounced(ctx context.Context, appID string, hard bool) error { return nil }
func (memReputationRepo) RecordComplaint(ctx context.Context, appID string) error        { return nil }

type memEnqueuer struct {
	mu   sync.Mutex
	jobs []string // job ids
}

func (e *memEnqueuer) Enqueue(ctx context.Context, queue string, payload interface{}, opts broker.EnqueueOptions) (*domain.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, opts.JobID)
	return &domain.Job{ID: opts.JobID, Queue: queue}, nil
}

type allowLimiter struct{}

func (allowLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result {
	return ratelimiter.Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: time.Now().Add(window)}
}

type denyLimiter struct{}

func (denyLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result {
	return ratelimiter.Result{Allowed: false, Limit: limit, ResetAt: time.Now().Add(30 * time.Second)}
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(ctx context.Context, app *domain.App, email *domain.Email, queueName, eventType string, event *domain.EventData) {
}
