package stats

const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS endpoint_statistics (
	endpoint_id INTEGER PRIMARY KEY REFERENCES endpoints(id),
	total INTEGER NOT NULL DEFAULT 0,
	successful INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	rate_limited INTEGER NOT NULL DEFAULT 0,
	total_response_time_ms INTEGER NOT NULL DEFAULT 0,
	avg_response_time_ms REAL NOT NULL DEFAULT 0,
	last_request_at DATETIME
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
	detected_at DATETIME NOT NULL,
	projected_recovery_at DATETIME NOT NULL,
	cooldown_duration_ms INTEGER NOT NULL,
	http_status INTEGER,
	message TEXT
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_endpoint ON rate_limit_events(endpoint_id, detected_at);

CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
	method TEXT,
	success INTEGER NOT NULL,
	response_time_ms INTEGER NOT NULL,
	http_status INTEGER,
	error_message TEXT,
	occurred_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_endpoint_time ON request_log(endpoint_id, occurred_at);
`
