package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
// Every table carries tenant_id and every index leads with it.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create sessions",
		SQL: `
			CREATE TABLE sessions (
				tenant_id   TEXT NOT NULL,
				session_id  TEXT NOT NULL,
				state       TEXT NOT NULL,
				data        TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL,
				PRIMARY KEY (tenant_id, session_id)
			);

			CREATE INDEX idx_sessions_tenant_updated ON sessions (tenant_id, updated_at);
		`,
	},
	{
		Version: 2,
		Name:    "create session docs with FTS5",
		SQL: `
			CREATE TABLE session_docs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id   TEXT NOT NULL,
				session_id  TEXT NOT NULL,
				kind        TEXT NOT NULL,
				seq         INTEGER NOT NULL,
				role        TEXT NOT NULL DEFAULT '',
				content     TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				UNIQUE (tenant_id, session_id, kind, seq),
				FOREIGN KEY (tenant_id, session_id) REFERENCES sessions(tenant_id, session_id) ON DELETE CASCADE
			);

			CREATE VIRTUAL TABLE session_docs_fts USING fts5(
				content,
				content='session_docs',
				content_rowid='id'
			);

			CREATE TRIGGER session_docs_ai AFTER INSERT ON session_docs BEGIN
				INSERT INTO session_docs_fts(rowid, content) VALUES (new.id, new.content);
			END;

			CREATE TRIGGER session_docs_ad AFTER DELETE ON session_docs BEGIN
				INSERT INTO session_docs_fts(session_docs_fts, rowid, content)
				VALUES ('delete', old.id, old.content);
			END;
		`,
	},
	{
		Version: 3,
		Name:    "create tenant records",
		SQL: `
			CREATE TABLE tenant_records (
				tenant_id   TEXT PRIMARY KEY,
				status      TEXT NOT NULL,
				data        TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE INDEX idx_tenant_records_status ON tenant_records (status);
		`,
	},
}

// SchemaVersion is the version of the newest migration.
func SchemaVersion() int {
	return migrations[len(migrations)-1].Version
}
