// Package smtppool maintains per-configuration pools of live SMTP
// connections. Pools are keyed by a digest of host, port and username so two
// queues sharing credentials share connections.
package smtppool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/sendline/sendline/pkg/logger"
)

// Encryption modes accepted on an SMTP configuration.
const (
	EncryptionTLS      = "tls"
	EncryptionSTARTTLS = "starttls"
	EncryptionNone     = "none"
)

// Config carries everything needed to open a connection. Password is the
// decrypted plaintext; it lives only here and inside the dialed client.
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string
	PoolSize   int
	Timeout    time.Duration
}

// Key identifies the pool for a configuration.
func (c Config) Key() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", c.Host, c.Port, c.Username)))
	return hex.EncodeToString(sum[:16])
}

func (c Config) poolSize() int {
	if c.PoolSize < 1 {
		return 1
	}
	if c.PoolSize > 50 {
		return 50
	}
	return c.PoolSize
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

// Result reports the outcome of a successful submission.
type Result struct {
	MessageID string
	Accepted  []string
	Rejected  []string
}

// Error is a typed SMTP failure. Permanent errors must not be retried.
type Error struct {
	Code      int
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp error (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("smtp error: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// client is the subset of *mail.Client the pool needs; tests substitute a
// fake to avoid network dials.
type client interface {
	Send(msgs ...*mail.Msg) error
	Close() error
}

type dialFunc func(ctx context.Context, cfg Config) (client, error)

type pooledConn struct {
	client   client
	inUse    bool
	lastUsed time.Time
}

type pool struct {
	cfg     Config
	mu      sync.Mutex
	conns   []*pooledConn
	waiters []chan *pooledConn
}

// VerifyObserver receives the latency of each successful connection
// verification, keyed by host.
type VerifyObserver func(host string, latency time.Duration)

// Engine owns every pool in the process plus the idle reaper.
type Engine struct {
	mu          sync.Mutex
	pools       map[string]*pool
	dial        dialFunc
	idleTimeout time.Duration
	onVerify    VerifyObserver
	logger      logger.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewEngine creates the engine and starts the idle connection reaper.
func NewEngine(log logger.Logger, onVerify VerifyObserver) *Engine {
	e := &Engine{
		pools:       make(map[string]*pool),
		dial:        dialSMTP,
		idleTimeout: time.Minute,
		onVerify:    onVerify,
		logger:      log,
		stop:        make(chan struct{}),
	}
	go e.reapLoop()
	return e
}

// newEngineWithDialer is the test seam.
func newEngineWithDialer(log logger.Logger, dial dialFunc, idleTimeout time.Duration) *Engine {
	e := &Engine{
		pools:       make(map[string]*pool),
		dial:        dial,
		idleTimeout: idleTimeout,
		logger:      log,
		stop:        make(chan struct{}),
	}
	go e.reapLoop()
	return e
}

// Send acquires a connection for cfg, submits msg and releases the
// connection. Recipients are reported back for the sent event.
func (e *Engine) Send(ctx context.Context, cfg Config, msg *mail.Msg) (*Result, error) {
	conn, p, err := e.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sendErr := conn.client.Send(msg)
	recipients := envelopeRecipients(msg)

	if sendErr != nil {
		// A failed conversation leaves the connection in an unknown state;
		// drop it instead of returning it to the pool.
		p.discard(conn)
		return nil, classifySendError(sendErr)
	}

	p.release(conn)

	return &Result{
		MessageID: msg.GetMessageID(),
		Accepted:  recipients,
		Rejected:  []string{},
	}, nil
}

// acquire returns an idle connection, dialing a new one while the pool has
// room. A saturated pool queues the caller FIFO for up to cfg timeout.
func (e *Engine) acquire(ctx context.Context, cfg Config) (*pooledConn, *pool, error) {
	p := e.poolFor(cfg)

	p.mu.Lock()
	for _, conn := range p.conns {
		if !conn.inUse {
			conn.inUse = true
			p.mu.Unlock()
			return conn, p, nil
		}
	}

	if len(p.conns) < cfg.poolSize() {
		// Reserve the slot before dialing so concurrent acquires cannot
		// overshoot the pool size.
		conn := &pooledConn{inUse: true, lastUsed: time.Now()}
		p.conns = append(p.conns, conn)
		p.mu.Unlock()

		started := time.Now()
		cl, err := e.dial(ctx, cfg)
		if err != nil {
			p.remove(conn)
			return nil, nil, classifySendError(err)
		}
		if e.onVerify != nil {
			e.onVerify(cfg.Host, time.Since(started))
		}
		conn.client = cl
		return conn, p, nil
	}

	waiter := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	timer := time.NewTimer(cfg.timeout())
	defer timer.Stop()

	select {
	case conn := <-waiter:
		return conn, p, nil
	case <-timer.C:
		p.dropWaiter(waiter)
		return nil, nil, &Error{Err: fmt.Errorf("timed out waiting for SMTP connection to %s", cfg.Host), Permanent: false}
	case <-ctx.Done():
		p.dropWaiter(waiter)
		return nil, nil, ctx.Err()
	}
}

func (e *Engine) poolFor(cfg Config) *pool {
	key := cfg.Key()
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[key]
	if !ok {
		p = &pool{cfg: cfg}
		e.pools[key] = p
	}
	return p
}

// release hands the connection to the oldest waiter, or marks it idle.
func (p *pool) release(conn *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn.lastUsed = time.Now()
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		waiter <- conn
		return
	}
	conn.inUse = false
}

func (p *pool) discard(conn *pooledConn) {
	if conn.client != nil {
		_ = conn.client.Close()
	}
	p.remove(conn)
}

func (p *pool) remove(conn *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
}

func (p *pool) dropWaiter(waiter chan *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	// The waiter was already handed a connection; put it back.
	select {
	case conn := <-waiter:
		conn.lastUsed = time.Now()
		conn.inUse = false
	default:
	}
}

func (e *Engine) reapLoop() {
	ticker := time.NewTicker(e.idleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.reap()
		}
	}
}

// reap closes connections idle longer than idleTimeout and drops pools that
// end up empty.
func (e *Engine) reap() {
	cutoff := time.Now().Add(-e.idleTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()

	for key, p := range e.pools {
		p.mu.Lock()
		kept := p.conns[:0]
		for _, conn := range p.conns {
			if !conn.inUse && conn.lastUsed.Before(cutoff) {
				if conn.client != nil {
					_ = conn.client.Close()
				}
				continue
			}
			kept = append(kept, conn)
		}
		p.conns = kept
		empty := len(p.conns) == 0 && len(p.waiters) == 0
		p.mu.Unlock()

		if empty {
			delete(e.pools, key)
		}
	}
}

// Close stops the reaper and closes every pooled connection.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })

	e.mu.Lock()
	defer e.mu.Unlock()
	for key, p := range e.pools {
		p.mu.Lock()
		for _, conn := range p.conns {
			if conn.client != nil {
				_ = conn.client.Close()
			}
		}
		p.conns = nil
		p.mu.Unlock()
		delete(e.pools, key)
	}
}

// dialSMTP opens and verifies a real connection using go-mail.
func dialSMTP(ctx context.Context, cfg Config) (client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.timeout()),
	}

	switch cfg.Encryption {
	case EncryptionTLS:
		opts = append(opts, mail.WithSSLPort(false))
	case EncryptionSTARTTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}

	cl, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	// EHLO plus TLS handshake up front so a dead relay fails fast.
	if err := cl.DialWithContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	return cl, nil
}

// classifySendError maps go-mail errors onto the typed SMTP failure.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return &Error{Permanent: !sendErr.IsTemp(), Err: err}
	}
	// Dial or protocol-level failures are treated as transient.
	return &Error{Permanent: false, Err: err}
}

// envelopeRecipients returns the bare envelope addresses. go-mail reports
// them in RCPT TO angle-bracket form.
func envelopeRecipients(msg *mail.Msg) []string {
	recipients, err := msg.GetRecipients()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		out = append(out, strings.Trim(rcpt, "<>"))
	}
	return out
}
