package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sendline/sendline/internal/broker"
	"github.com/sendline/sendline/internal/domain"
	"github.com/sendline/sendline/pkg/ratelimiter"
)

// Hand-rolled fakes shared across the service tests. Each fake delegates to
// an optional function field and falls back to a permissive default.

type fakeEmailRepo struct {
	InsertFn     func(ctx context.Context, email *domain.Email) (*domain.Email, bool, error)
	FindByKeyFn  func(ctx context.Context, appID, key string) (*domain.Email, error)
	GetFn        func(ctx context.Context, appID, id string) (*domain.Email, error)
	GetByIDFn    func(ctx context.Context, id string) (*domain.Email, error)
	UpdateFn     func(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate) (bool, error)
	TransitionFn func(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate, event *domain.EmailEvent) (bool, error)
	CountFn      func(ctx context.Context, appID string, since time.Time) (int64, error)

	mu      sync.Mutex
	inserts []*domain.Email
}

func (f *fakeEmailRepo) Insert(ctx context.Context, email *domain.Email) (*domain.Email, bool, error) {
	f.mu.Lock()
	f.inserts = append(f.inserts, email)
	f.mu.Unlock()
	if f.InsertFn != nil {
		return f.InsertFn(ctx, email)
	}
	email.ID = uuid.NewString()
	email.Status = domain.EmailStatusQueued
	email.CreatedAt = time.Now().UTC()
	return email, false, nil
}

func (f *fakeEmailRepo) FindByIdempotencyKey(ctx context.Context, appID, key string) (*domain.Email, error) {
	if f.FindByKeyFn != nil {
		return f.FindByKeyFn(ctx, appID, key)
	}
	return nil, nil
}

func (f *fakeEmailRepo) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func (f *fakeEmailRepo) Get(ctx context.Context, appID, id string) (*domain.Email, error) {
	if f.GetFn != nil {
		return f.GetFn(ctx, appID, id)
	}
	return nil, &domain.ErrNotFound{Entity: "email", ID: id}
}

func (f *fakeEmailRepo) GetByID(ctx context.Context, id string) (*domain.Email, error) {
	if f.GetByIDFn != nil {
		return f.GetByIDFn(ctx, id)
	}
	return nil, &domain.ErrNotFound{Entity: "email", ID: id}
}

func (f *fakeEmailRepo) List(ctx context.Context, filter domain.EmailListFilter) ([]*domain.Email, *domain.Cursor, error) {
	return nil, nil, nil
}

func (f *fakeEmailRepo) UpdateStatus(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate) (bool, error) {
	if f.UpdateFn != nil {
		return f.UpdateFn(ctx, id, from, update)
	}
	return true, nil
}

func (f *fakeEmailRepo) TransitionWithEvent(ctx context.Context, id string, from []domain.EmailStatus, update domain.StatusUpdate, event *domain.EmailEvent) (bool, error) {
	if f.TransitionFn != nil {
		return f.TransitionFn(ctx, id, from, update, event)
	}
	return true, nil
}

func (f *fakeEmailRepo) Delete(ctx context.Context, appID, id string) error { return nil }

func (f *fakeEmailRepo) CountForAppSince(ctx context.Context, appID string, since time.Time) (int64, error) {
	if f.CountFn != nil {
		return f.CountFn(ctx, appID, since)
	}
	return 0, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*domain.EmailEvent
}

func (f *fakeEventRepo) Append(ctx context.Context, event *domain.EmailEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventRepo) AppendTx(ctx context.Context, tx domain.Tx, event *domain.EmailEvent) error {
	return f.Append(ctx, event)
}

func (f *fakeEventRepo) ListByEmail(ctx context.Context, emailID string) ([]*domain.EmailEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.EmailEvent
	for _, e := range f.events {
		if e.EmailID == emailID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) appended() []*domain.EmailEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*domain.EmailEvent(nil), f.events...)
}

type fakeQueueRepo struct {
	queues map[string]*domain.Queue // keyed by name
}

func (f *fakeQueueRepo) Create(ctx context.Context, queue *domain.Queue) error {
	if f.queues == nil {
		f.queues = map[string]*domain.Queue{}
	}
	f.queues[queue.Name] = queue
	return nil
}

func (f *fakeQueueRepo) Get(ctx context.Context, appID, id string) (*domain.Queue, error) {
	for _, q := range f.queues {
		if q.ID == id && q.AppID == appID {
			return q, nil
		}
	}
	return nil, &domain.ErrNotFound{Entity: "queue", ID: id}
}

func (f *fakeQueueRepo) GetByName(ctx context.Context, appID, name string) (*domain.Queue, error) {
	if q, ok := f.queues[name]; ok && q.AppID == appID {
		return q, nil
	}
	return nil, &domain.ErrNotFound{Entity: "queue", ID: name}
}

func (f *fakeQueueRepo) List(ctx context.Context, appID string) ([]*domain.Queue, error) {
	var out []*domain.Queue
	for _, q := range f.queues {
		if q.AppID == appID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQueueRepo) Update(ctx context.Context, queue *domain.Queue) error { return nil }

func (f *fakeQueueRepo) SetPaused(ctx context.Context, appID, id string, paused bool) error {
	for _, q := range f.queues {
		if q.ID == id {
			q.Paused = paused
			return nil
		}
	}
	return &domain.ErrNotFound{Entity: "queue", ID: id}
}

func (f *fakeQueueRepo) Delete(ctx context.Context, appID, id string) error { return nil }

type fakeSuppressionRepo struct {
	FindActiveFn func(ctx context.Context, appID, email string) (*domain.Suppression, error)

	mu       sync.Mutex
	inserted []*domain.Suppression
}

func (f *fakeSuppressionRepo) Insert(ctx context.Context, s *domain.Suppression) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, s)
	return nil
}

func (f *fakeSuppressionRepo) FindActive(ctx context.Context, appID, email string) (*domain.Suppression, error) {
	if f.FindActiveFn != nil {
		return f.FindActiveFn(ctx, appID, email)
	}
	return nil, nil
}

func (f *fakeSuppressionRepo) List(ctx context.Context, appID string, limit int, cursor *domain.Cursor) ([]*domain.Suppression, *domain.Cursor, error) {
	return nil, nil, nil
}

func (f *fakeSuppressionRepo) Delete(ctx context.Context, appID, id string) error { return nil }

func (f *fakeSuppressionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type fakeReputationRepo struct {
	rep *domain.Reputation
}

func (f *fakeReputationRepo) Get(ctx context.Context, appID string) (*domain.Reputation, error) {
	if f.rep != nil {
		return f.rep, nil
	}
	return &domain.Reputation{AppID: appID, Score: 100}, nil
}

func (f *fakeReputationRepo) RecordDelivered(ctx context.Context, appID string) error { return nil }

func (f *fakeReputationRepo) RecordBounced(ctx context.Context, appID string, hard bool) error {
	return nil
}

func (f *fakeReputationRepo) RecordComplaint(ctx context.Context, appID string) error { return nil }

type enqueueCall struct {
	Queue   string
	Payload interface{}
	Opts    broker.EnqueueOptions
}

type fakeEnqueuer struct {
	EnqueueErr error

	mu    sync.Mutex
	calls []enqueueCall
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queue string, payload interface{}, opts broker.EnqueueOptions) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{Queue: queue, Payload: payload, Opts: opts})
	if f.EnqueueErr != nil {
		return nil, f.EnqueueErr
	}
	return &domain.Job{ID: opts.JobID, Queue: queue}, nil
}

func (f *fakeEnqueuer) enqueued() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueueCall(nil), f.calls...)
}

// fakeLimiter denies every key in the deny set and allows the rest.
type fakeLimiter struct {
	deny map[string]bool
}

func (f *fakeLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) ratelimiter.Result {
	if f.deny[key] {
		return ratelimiter.Result{Allowed: false, Limit: limit, ResetAt: time.Now().Add(window)}
	}
	return ratelimiter.Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: time.Now().Add(window)}
}

type dispatchCall struct {
	EventType string
	EmailID   string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, app *domain.App, email *domain.Email, queueName, eventType string, event *domain.EventData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{EventType: eventType, EmailID: email.ID})
}

func (f *fakeDispatcher) dispatched() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

type fakeAppRepo struct {
	apps map[string]*domain.App

	mu            sync.Mutex
	webhookCipher map[string]string
}

func (f *fakeAppRepo) Get(ctx context.Context, id string) (*domain.App, error) {
	if app, ok := f.apps[id]; ok {
		return app, nil
	}
	return nil, &domain.ErrNotFound{Entity: "app", ID: id}
}

func (f *fakeAppRepo) Create(ctx context.Context, app *domain.App) error {
	if f.apps == nil {
		f.apps = map[string]*domain.App{}
	}
	f.apps[app.ID] = app
	return nil
}

func (f *fakeAppRepo) Update(ctx context.Context, app *domain.App) error {
	if _, ok := f.apps[app.ID]; !ok {
		return &domain.ErrNotFound{Entity: "app", ID: app.ID}
	}
	f.apps[app.ID] = app
	return nil
}

func (f *fakeAppRepo) SetWebhookSecret(ctx context.Context, id string, cipher string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.webhookCipher == nil {
		f.webhookCipher = map[string]string{}
	}
	f.webhookCipher[id] = cipher
	return nil
}

func (f *fakeAppRepo) Delete(ctx context.Context, id string) error {
	delete(f.apps, id)
	return nil
}

type fakeAPIKeyRepo struct {
	keys map[string]*domain.APIKey // keyed by hash

	mu      sync.Mutex
	touched []string
	created []*domain.APIKey
	revoked []string
}

func (f *fakeAPIKeyRepo) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	if key, ok := f.keys[keyHash]; ok {
		return key, nil
	}
	return nil, &domain.ErrNotFound{Entity: "api_key", ID: keyHash}
}

func (f *fakeAPIKeyRepo) Create(ctx context.Context, key *domain.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, key)
	return nil
}

func (f *fakeAPIKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeAPIKeyRepo) Revoke(ctx context.Context, appID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return nil
}
