package postgres

// schemaSQL creates the tables when missing. Row-level security policies are
// owned by the database operator and read the claims set per transaction.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS engagement_edges (
	actor_id     TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	seq          BIGINT NOT NULL,
	PRIMARY KEY (actor_id, subject_type, subject_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_engagement_edges_topic
	ON engagement_edges (subject_type, subject_id, relation);

CREATE TABLE IF NOT EXISTS engagement_counters (
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	count        BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (subject_type, subject_id, relation)
);

CREATE TABLE IF NOT EXISTS engagement_log (
	seq          BIGSERIAL PRIMARY KEY,
	change       TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

var filterColumns = map[string]map[string]bool{
	"engagement_edges": {
		"actor_id": true, "subject_type": true, "subject_id": true, "relation": true,
	},
	"engagement_counters": {
		"subject_type": true, "subject_id": true, "relation": true,
	},
}
