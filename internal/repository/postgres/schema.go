package postgres

// Schema creates the tables used by Store and CampaignStatisticsRepository.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		audio_ref TEXT NOT NULL DEFAULT '',
		priority SMALLINT NOT NULL,
		status TEXT NOT NULL,
		max_retries INT NOT NULL,
		retry_delay_ms BIGINT NOT NULL,
		call_timeout_ms BIGINT NOT NULL,
		max_concurrent_calls INT NOT NULL,
		scheduled_at TIMESTAMPTZ,
		total_recipients INT NOT NULL,
		success_count INT NOT NULL DEFAULT 0,
		failure_count INT NOT NULL DEFAULT 0,
		average_duration_ms BIGINT NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS campaigns_status_idx ON campaigns (status)`,
	`CREATE TABLE IF NOT EXISTS campaign_recipients (
		campaign_id UUID NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
		idx INT NOT NULL,
		phone_number TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		next_attempt_at TIMESTAMPTZ,
		last_duration_ms BIGINT,
		last_error TEXT NOT NULL DEFAULT '',
		active_attempt_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (campaign_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_statistics (
		campaign_id UUID PRIMARY KEY REFERENCES campaigns (id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		total_recipients INT NOT NULL,
		success_count INT NOT NULL,
		failure_count INT NOT NULL,
		pending_count INT NOT NULL,
		retry_count INT NOT NULL,
		calling_count INT NOT NULL,
		cancelled_count INT NOT NULL,
		total_attempts INT NOT NULL,
		success_rate INT NOT NULL,
		progress_percentage INT NOT NULL,
		average_duration_ms BIGINT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL
	)`,
}
