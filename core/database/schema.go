package database

import "database/sql"

// PrimaryMigrations returns the schema history for the primary store.
//
// Entity timestamps (created_at/updated_at/deleted_at) are UTC ISO-8601
// strings with millisecond precision. folder_items carries integer unix
// millisecond timestamps instead; the two representations are never mixed.
func PrimaryMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "resources, folders, folder items",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS resources (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    hash        TEXT NOT NULL UNIQUE,
    data        TEXT,
    blob_path   TEXT,
    size        INTEGER NOT NULL DEFAULT 0,
    ref_count   INTEGER NOT NULL DEFAULT 1,
    source_id   TEXT,
    ocr_text    TEXT,
    ocr_pages   TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resources_type ON resources(type);

CREATE TABLE IF NOT EXISTS folders (
    id          TEXT PRIMARY KEY,
    parent_id   TEXT REFERENCES folders(id),
    title       TEXT NOT NULL,
    sort_order  INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);

CREATE TABLE IF NOT EXISTS folder_items (
    id          TEXT PRIMARY KEY,
    folder_id   TEXT REFERENCES folders(id),
    item_type   TEXT NOT NULL,
    item_id     TEXT NOT NULL,
    sort_order  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    deleted_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_folder_items_folder ON folder_items(folder_id);
CREATE INDEX IF NOT EXISTS idx_folder_items_item ON folder_items(item_type, item_id);
`)
				return err
			},
		},
		{
			Version:     2,
			Description: "typed entities and version records",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS notes (
    id           TEXT PRIMARY KEY,
    resource_id  TEXT NOT NULL REFERENCES resources(id),
    title        TEXT NOT NULL,
    tags         TEXT NOT NULL DEFAULT '[]',
    is_favorite  INTEGER NOT NULL DEFAULT 0,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    deleted_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_notes_resource ON notes(resource_id);

CREATE TABLE IF NOT EXISTS notes_versions (
    id           TEXT PRIMARY KEY,
    note_id      TEXT NOT NULL REFERENCES notes(id),
    resource_id  TEXT NOT NULL REFERENCES resources(id),
    title        TEXT NOT NULL,
    tags         TEXT,
    label        TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_versions_note ON notes_versions(note_id);

CREATE TABLE IF NOT EXISTS mindmaps (
    id            TEXT PRIMARY KEY,
    resource_id   TEXT NOT NULL REFERENCES resources(id),
    title         TEXT NOT NULL,
    description   TEXT,
    default_view  TEXT,
    theme         TEXT,
    settings      TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    deleted_at    TEXT
);

CREATE TABLE IF NOT EXISTS mindmap_versions (
    id           TEXT PRIMARY KEY,
    mindmap_id   TEXT NOT NULL REFERENCES mindmaps(id),
    resource_id  TEXT NOT NULL REFERENCES resources(id),
    title        TEXT NOT NULL,
    label        TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mindmap_versions_map ON mindmap_versions(mindmap_id);

CREATE TABLE IF NOT EXISTS essays (
    id               TEXT PRIMARY KEY,
    resource_id      TEXT NOT NULL REFERENCES resources(id),
    title            TEXT NOT NULL,
    essay_type       TEXT,
    grade_level      TEXT,
    session_id       TEXT,
    round_number     INTEGER,
    grading_result   TEXT,
    score            REAL,
    dimension_scores TEXT,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    deleted_at       TEXT
);

CREATE TABLE IF NOT EXISTS essay_sessions (
    id          TEXT PRIMARY KEY,
    essay_type  TEXT,
    grade_level TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted_at  TEXT
);

CREATE TABLE IF NOT EXISTS exam_sheets (
    id           TEXT PRIMARY KEY,
    resource_id  TEXT NOT NULL REFERENCES resources(id),
    exam_name    TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'recognizing',
    temp_id      TEXT,
    metadata     TEXT NOT NULL DEFAULT '{}',
    preview      TEXT,
    mistake_ids  TEXT NOT NULL DEFAULT '[]',
    ocr_pages    TEXT,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    deleted_at   TEXT
);

CREATE TABLE IF NOT EXISTS files (
    id           TEXT PRIMARY KEY,
    resource_id  TEXT NOT NULL REFERENCES resources(id),
    title        TEXT NOT NULL,
    mime_type    TEXT NOT NULL,
    preview      TEXT,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    deleted_at   TEXT
);

CREATE TABLE IF NOT EXISTS questions (
    id           TEXT PRIMARY KEY,
    exam_id      TEXT REFERENCES exam_sheets(id),
    content      TEXT NOT NULL,
    answer       TEXT,
    page_index   INTEGER,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    deleted_at   TEXT
);
`)
				return err
			},
		},
		{
			Version:     3,
			Description: "index state registry",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS index_states (
    resource_id     TEXT PRIMARY KEY,
    state           TEXT NOT NULL DEFAULT 'pending',
    last_hash       TEXT,
    last_error      TEXT,
    last_attempt_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_index_states_state ON index_states(state);
`)
				return err
			},
		},
		{
			Version:     4,
			Description: "chat sessions, messages, blocks",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chat_v2_sessions (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL DEFAULT '',
    model_id    TEXT,
    options     TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    deleted_at  TEXT
);

CREATE TABLE IF NOT EXISTS chat_v2_messages (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL REFERENCES chat_v2_sessions(id),
    role        TEXT NOT NULL,
    block_ids   TEXT NOT NULL DEFAULT '[]',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_v2_messages(session_id);

CREATE TABLE IF NOT EXISTS chat_v2_blocks (
    id             TEXT PRIMARY KEY,
    message_id     TEXT NOT NULL REFERENCES chat_v2_messages(id),
    block_type     TEXT NOT NULL,
    block_index    INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'streaming',
    content        TEXT,
    tool_name      TEXT,
    tool_input     TEXT,
    tool_output    TEXT,
    started_at     TEXT,
    ended_at       TEXT,
    first_chunk_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_chat_blocks_message ON chat_v2_blocks(message_id);
`)
				return err
			},
		},
		{
			Version:     5,
			Description: "settings, audit log, change log",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS __audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    operation  TEXT NOT NULL,
    entity     TEXT NOT NULL,
    entity_id  TEXT,
    detail     TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS __change_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    op          TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_entity ON __change_log(entity_type, entity_id);
`)
				return err
			},
		},
		{
			Version:     6,
			Description: "per-page index metadata",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS page_index_meta (
    resource_id TEXT NOT NULL,
    page_index  INTEGER NOT NULL,
    blob_hash   TEXT NOT NULL,
    indexed_at  TEXT NOT NULL,
    PRIMARY KEY (resource_id, page_index)
);
`)
				return err
			},
		},
	}
}
