package migrate

// Schema is the full set of tables for the coordination substrate,
// applied as migration versions 1 to 3. Later versions append to this list;
// none of them may rewrite history, only add.
var Schema = []Migration{
	{
		Version:     1,
		Description: "initial schema: events, beads, dependencies, labels, comments, agents, messages, reservations, decision traces",
		Up: `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT NOT NULL,
	project_key TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	sequence    INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_project_sequence ON events(project_key, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

CREATE TABLE IF NOT EXISTS event_sequence_counters (
	project_key TEXT PRIMARY KEY,
	next_sequence INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS beads (
	id            TEXT PRIMARY KEY,
	project_key   TEXT NOT NULL,
	title         TEXT NOT NULL,
	description   TEXT,
	issue_type    TEXT NOT NULL,
	priority      INTEGER NOT NULL DEFAULT 2,
	status        TEXT NOT NULL,
	parent_id     TEXT,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	closed_at     INTEGER,
	deleted_at    INTEGER,
	content_hash  TEXT NOT NULL,
	files_touched TEXT,
	external_deps TEXT,
	agent_name    TEXT,
	agent_program TEXT,
	close_reason  TEXT
);
CREATE INDEX IF NOT EXISTS idx_beads_project ON beads(project_key);
CREATE INDEX IF NOT EXISTS idx_beads_status ON beads(project_key, status);
CREATE INDEX IF NOT EXISTS idx_beads_parent ON beads(parent_id);

CREATE TABLE IF NOT EXISTS bead_dependencies (
	bead_id       TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	relationship  TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (bead_id, depends_on_id, relationship)
);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON bead_dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS blocked_beads_cache (
	bead_id     TEXT PRIMARY KEY,
	blocker_ids TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bead_labels (
	bead_id TEXT NOT NULL,
	label   TEXT NOT NULL,
	PRIMARY KEY (bead_id, label)
);

CREATE TABLE IF NOT EXISTS bead_comments (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	bead_id           TEXT NOT NULL,
	author            TEXT NOT NULL,
	body              TEXT NOT NULL,
	parent_comment_id INTEGER,
	created_at        INTEGER NOT NULL,
	metadata          TEXT
);
CREATE INDEX IF NOT EXISTS idx_comments_bead ON bead_comments(bead_id);

CREATE TABLE IF NOT EXISTS agents (
	project_key   TEXT NOT NULL,
	name          TEXT NOT NULL,
	program       TEXT,
	model         TEXT,
	registered_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL,
	PRIMARY KEY (project_key, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_key TEXT NOT NULL,
	sender      TEXT NOT NULL,
	recipients  TEXT NOT NULL,
	subject     TEXT,
	body        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	read_by     TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_key, created_at);

CREATE TABLE IF NOT EXISTS reservations (
	project_key TEXT NOT NULL,
	agent       TEXT NOT NULL,
	file_glob   TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (project_key, agent, file_glob)
);

CREATE TABLE IF NOT EXISTS decision_traces (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_type     TEXT NOT NULL,
	epic_id           TEXT,
	bead_id           TEXT,
	agent_name        TEXT NOT NULL,
	project_key       TEXT NOT NULL,
	decision          TEXT NOT NULL,
	rationale         TEXT,
	inputs_gathered   TEXT,
	policy_evaluated  TEXT,
	alternatives      TEXT,
	precedent_cited   TEXT,
	outcome_event_id  INTEGER,
	confidence        REAL,
	timestamp         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_traces_bead ON decision_traces(bead_id);

CREATE TABLE IF NOT EXISTS dirty_beads (
	bead_id     TEXT PRIMARY KEY,
	project_key TEXT NOT NULL,
	marked_at   INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "semantic memory store: memories, embeddings, FTS index",
		Up: `
CREATE TABLE IF NOT EXISTS memories (
	id           TEXT PRIMARY KEY,
	content      TEXT NOT NULL,
	metadata     TEXT,
	collection   TEXT NOT NULL DEFAULT 'default',
	created_at   INTEGER NOT NULL,
	confidence   REAL NOT NULL DEFAULT 1.0,
	tags         TEXT,
	agent_type   TEXT,
	session_id   TEXT,
	message_role TEXT,
	message_idx  INTEGER,
	source_path  TEXT
);
CREATE INDEX IF NOT EXISTS idx_memories_collection ON memories(collection);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id, message_idx);
CREATE INDEX IF NOT EXISTS idx_memories_agent_type ON memories(agent_type);

CREATE TABLE IF NOT EXISTS memory_embeddings (
	memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	dim       INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='rowid',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`,
	},
	{
		Version:     3,
		Description: "session indexer staleness state",
		Up: `
CREATE TABLE IF NOT EXISTS session_index_state (
	source_path     TEXT PRIMARY KEY,
	last_indexed_at INTEGER NOT NULL,
	file_mtime      INTEGER NOT NULL,
	message_count   INTEGER NOT NULL
);
`,
	},
}
