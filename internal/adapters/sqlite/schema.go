package sqlite

// schemaSQL creates the tables on first open. engagement_log assigns the commit
// sequence reported with query results and change events.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS engagement_edges (
	actor_id     TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	PRIMARY KEY (actor_id, subject_type, subject_id, relation)
);

CREATE INDEX IF NOT EXISTS idx_engagement_edges_topic
	ON engagement_edges (subject_type, subject_id, relation);

CREATE TABLE IF NOT EXISTS engagement_counters (
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (subject_type, subject_id, relation)
);

CREATE TABLE IF NOT EXISTS engagement_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	change       TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	relation     TEXT NOT NULL,
	recorded_at  TEXT NOT NULL
);
`

// filterColumns lists the columns a filter may reference per table.
var filterColumns = map[string]map[string]bool{
	"engagement_edges": {
		"actor_id": true, "subject_type": true, "subject_id": true, "relation": true,
	},
	"engagement_counters": {
		"subject_type": true, "subject_id": true, "relation": true,
	},
}
