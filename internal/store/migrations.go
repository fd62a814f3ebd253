package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sources (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	name              TEXT NOT NULL,
	email             TEXT NOT NULL DEFAULT '',
	server            TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1,
	poll_interval_sec INTEGER NOT NULL DEFAULT 300,
	settings          TEXT NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'pending_auth',
	status_message    TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_state (
	source_id  TEXT PRIMARY KEY REFERENCES sources(id) ON DELETE CASCADE,
	state      TEXT NOT NULL DEFAULT '{}',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	source_id           TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	provider_message_id TEXT NOT NULL,
	thread_id           TEXT NOT NULL DEFAULT '',
	owner               TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	folder              TEXT NOT NULL DEFAULT '',
	tags                TEXT NOT NULL DEFAULT '[]',
	received_at         DATETIME NOT NULL,
	blob_path           TEXT NOT NULL,
	size                INTEGER NOT NULL DEFAULT 0,
	fetched_at          DATETIME NOT NULL,
	PRIMARY KEY (source_id, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(owner);
CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	outcome     TEXT NOT NULL CHECK(outcome IN ('ok', 'error', 'canceled')),
	fetched     INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_source ON sync_runs(source_id, started_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
