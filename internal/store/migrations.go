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

CREATE TABLE IF NOT EXISTS contacts (
	email                TEXT PRIMARY KEY,
	nickname             TEXT NOT NULL DEFAULT '',
	blocked              INTEGER NOT NULL DEFAULT 0 CHECK(blocked IN (0, 1)),
	online               INTEGER NOT NULL DEFAULT 0 CHECK(online IN (0, 1)),
	unread_count         INTEGER NOT NULL DEFAULT 0,
	last_message_at      DATETIME,
	last_message_preview TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	contact_email   TEXT NOT NULL REFERENCES contacts(email) ON DELETE CASCADE,
	direction       TEXT NOT NULL CHECK(direction IN ('inbound', 'outbound')),
	type            TEXT NOT NULL DEFAULT 'text',
	sender          TEXT NOT NULL,
	recipient       TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	attachment_name TEXT NOT NULL DEFAULT '',
	attachment_size INTEGER NOT NULL DEFAULT 0,
	sent_at         DATETIME NOT NULL,
	received_at     DATETIME NOT NULL,
	delivery_state  TEXT NOT NULL DEFAULT 'pending'
		CHECK(delivery_state IN ('pending', 'sent', 'delivered', 'failed')),
	reply_to        TEXT NOT NULL DEFAULT '',
	is_read         INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1))
);

CREATE TABLE IF NOT EXISTS cursors (
	mailbox_id TEXT PRIMARY KEY,
	last_uid   INTEGER NOT NULL DEFAULT 0,
	last_seen  DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact_email);
CREATE INDEX IF NOT EXISTS idx_messages_ordering ON messages(contact_email, sent_at, message_id);
CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(delivery_state);
CREATE INDEX IF NOT EXISTS idx_contacts_last_message ON contacts(last_message_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
