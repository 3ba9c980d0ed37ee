package database

// TableDefinitions holds the DDL for every table, in dependency order.
// Ownership rules from the data model are enforced here: tenant children
// cascade, audit-like references are nulled instead.
var TableDefinitions = []string{
	`CREATE TABLE IF NOT EXISTS apps (
		id UUID PRIMARY KEY,
		account_id UUID,
		name VARCHAR(255) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sandbox BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_url TEXT,
		webhook_secret_cipher TEXT,
		daily_quota BIGINT,
		monthly_quota BIGINT,
		settings JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		key_hash VARCHAR(64) NOT NULL UNIQUE,
		scopes JSONB NOT NULL DEFAULT '[]'::jsonb,
		ip_allowlist JSONB NOT NULL DEFAULT '[]'::jsonb,
		rate_limit INTEGER,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS smtp_configs (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		host VARCHAR(255) NOT NULL,
		port INTEGER NOT NULL,
		username VARCHAR(255) NOT NULL DEFAULT '',
		password_cipher TEXT NOT NULL DEFAULT '',
		encryption VARCHAR(10) NOT NULL DEFAULT 'starttls',
		pool_size INTEGER NOT NULL DEFAULT 5,
		timeout_ms INTEGER NOT NULL DEFAULT 30000,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS queues (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		name VARCHAR(100) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		rate_limit INTEGER,
		max_retries INTEGER NOT NULL DEFAULT 3,
		retry_delays JSONB NOT NULL DEFAULT '[30,120,600,3600,86400]'::jsonb,
		smtp_config_id UUID REFERENCES smtp_configs(id) ON DELETE SET NULL,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		track_opens BOOLEAN NOT NULL DEFAULT FALSE,
		track_clicks BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (app_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS emails (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		queue_id UUID NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
		idempotency_key VARCHAR(255),
		message_id VARCHAR(255),
		from_email VARCHAR(255) NOT NULL,
		from_name VARCHAR(255) NOT NULL DEFAULT '',
		to_addrs JSONB NOT NULL,
		cc_addrs JSONB NOT NULL DEFAULT '[]'::jsonb,
		bcc_addrs JSONB NOT NULL DEFAULT '[]'::jsonb,
		reply_to JSONB,
		subject TEXT NOT NULL,
		html_body TEXT NOT NULL DEFAULT '',
		text_body TEXT NOT NULL DEFAULT '',
		headers JSONB NOT NULL DEFAULT '{}'::jsonb,
		personalization JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		status VARCHAR(20) NOT NULL DEFAULT 'queued',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		scheduled_at TIMESTAMPTZ,
		sent_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_events (
		id UUID PRIMARY KEY,
		email_id UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		type VARCHAR(20) NOT NULL,
		event_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS suppressions (
		id UUID PRIMARY KEY,
		app_id UUID REFERENCES apps(id) ON DELETE CASCADE,
		email VARCHAR(255) NOT NULL,
		reason VARCHAR(20) NOT NULL,
		source_email_id UUID REFERENCES emails(id) ON DELETE SET NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		queue_id UUID NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		cron_expr VARCHAR(100) NOT NULL,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		template JSONB NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id UUID PRIMARY KEY,
		app_id UUID NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		email_id UUID REFERENCES emails(id) ON DELETE SET NULL,
		event_type VARCHAR(50) NOT NULL,
		payload JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_retry_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tracking_links (
		id UUID PRIMARY KEY,
		email_id UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		short_code VARCHAR(32) NOT NULL UNIQUE,
		original_url TEXT NOT NULL,
		click_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reputations (
		app_id UUID PRIMARY KEY REFERENCES apps(id) ON DELETE CASCADE,
		score DOUBLE PRECISION NOT NULL DEFAULT 100,
		delivered_count BIGINT NOT NULL DEFAULT 0,
		bounced_count BIGINT NOT NULL DEFAULT 0,
		complaint_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_queue_control (
		queue VARCHAR(50) PRIMARY KEY,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		queue VARCHAR(50) NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		payload JSONB NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'waiting',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		ready_at TIMESTAMPTZ NOT NULL,
		reserved_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
}

// IndexDefinitions backs the listing, idempotency and suppression lookups.
var IndexDefinitions = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_idempotency
		ON emails (app_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_emails_listing
		ON emails (app_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_status ON emails (app_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_email_events_email
		ON email_events (email_id, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_suppressions_scope
		ON suppressions (COALESCE(app_id, '00000000-0000-0000-0000-000000000000'::uuid), email)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_reserve
		ON jobs (queue, status, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (status, ready_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due
		ON webhook_deliveries (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_listing
		ON webhook_deliveries (app_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due
		ON scheduled_jobs (active, next_run_at)`,
}
