package sqlite

// Schema defines the SQLite database schema
const Schema = `
-- Policy revisions, one row per load attempt
CREATE TABLE IF NOT EXISTS policy_revisions (
	id TEXT PRIMARY KEY,
	digest TEXT NOT NULL,
	directory TEXT NOT NULL,
	status TEXT NOT NULL,
	effects_json TEXT NOT NULL,
	policy_count INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	loaded_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_revisions_status_loaded ON policy_revisions(status, loaded_at DESC);

-- Decisions audit table
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	revision_id TEXT NOT NULL,
	transport TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	matched_json TEXT NOT NULL,
	errors_json TEXT NOT NULL,
	attributes_json TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (revision_id) REFERENCES policy_revisions(id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_revision ON decisions(revision_id);
CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp DESC);

-- Matched policy names, for filtering decisions by policy
CREATE TABLE IF NOT EXISTS decision_matches (
	decision_id TEXT NOT NULL,
	policy TEXT NOT NULL,
	PRIMARY KEY (decision_id, policy),
	FOREIGN KEY (decision_id) REFERENCES decisions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_decision_matches_policy ON decision_matches(policy);
`
