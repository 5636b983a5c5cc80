package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/koabula/E-Chat/internal/model"
)

// previewLength bounds the contact chat-list preview text.
const previewLength = 50

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db       *sqlx.DB
	notifier *Notifier
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Single connection so the pragmas below apply to every statement
	// and an in-memory database is shared across the process.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, notifier: NewNotifier()}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Notifier returns the store's change-notification hub.
func (s *SQLiteStore) Notifier() *Notifier {
	return s.notifier
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertMessages inserts or merges a batch of messages in a single
// transaction. Events for committed changes are published only after the
// transaction succeeds.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var events []Event
	for i := range msgs {
		evt, err := upsertMessageTx(ctx, tx, msgs[i])
		if err != nil {
			return err
		}
		if evt != nil {
			events = append(events, *evt)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message batch: %w", err)
	}

	for _, evt := range events {
		s.notifier.Publish(evt)
	}

	return nil
}

// upsertMessageTx applies one message inside an open transaction and
// returns the event to publish after commit, if any.
func upsertMessageTx(ctx context.Context, tx *sqlx.Tx, m model.Message) (*Event, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("upserting message: empty identifier")
	}
	if m.ConversationKey == "" {
		return nil, fmt.Errorf("upserting message %s: empty conversation key", m.ID)
	}

	// A reply to a known message joins that message's conversation even
	// when its sender address differs from the original contact.
	if m.ReplyTo != "" {
		var parentKey string
		err := tx.GetContext(ctx, &parentKey,
			"SELECT contact_email FROM messages WHERE message_id = ?", m.ReplyTo,
		)
		switch {
		case err == nil:
			m.ConversationKey = parentKey
		case errors.Is(err, sql.ErrNoRows):
			// Unknown parent; fall back to the sender-derived key.
		default:
			return nil, fmt.Errorf("resolving thread for %s: %w", m.ID, err)
		}
	}

	var existing struct {
		State string `db:"delivery_state"`
		Key   string `db:"contact_email"`
	}
	err := tx.GetContext(ctx, &existing,
		"SELECT delivery_state, contact_email FROM messages WHERE message_id = ?", m.ID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checking message %s: %w", m.ID, err)
	}

	if err == nil {
		// Known identifier: body and timestamps are immutable; only a
		// forward delivery-state move is applied.
		if !model.CanTransition(model.DeliveryState(existing.State), m.DeliveryState) {
			return nil, nil
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE messages SET delivery_state = ? WHERE message_id = ?",
			string(m.DeliveryState), m.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating delivery state of %s: %w", m.ID, err)
		}
		return &Event{
			Kind:            EventDeliveryChanged,
			ConversationKey: existing.Key,
			MessageID:       m.ID,
			DeliveryState:   m.DeliveryState,
		}, nil
	}

	if err := ensureContactTx(ctx, tx, m.ConversationKey); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			message_id, contact_email, direction, type,
			sender, recipient, body, attachment_name, attachment_size,
			sent_at, received_at, delivery_state, reply_to, is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationKey, string(m.Direction), string(m.Type),
		m.Sender, m.Recipient, m.Body, m.AttachmentName, m.AttachmentSize,
		m.SentAt.UTC(), m.ReceivedAt.UTC(), string(m.DeliveryState),
		m.ReplyTo, boolToInt(m.Read),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message %s: %w", m.ID, err)
	}

	if err := updateContactSummaryTx(ctx, tx, m); err != nil {
		return nil, err
	}

	return &Event{
		Kind:            EventMessageAdded,
		ConversationKey: m.ConversationKey,
		MessageID:       m.ID,
		DeliveryState:   m.DeliveryState,
	}, nil
}

// ensureContactTx creates the contact row for a conversation key if it
// does not exist yet, defaulting the nickname to the address local part.
func ensureContactTx(ctx context.Context, tx *sqlx.Tx, email string) error {
	nickname := email
	if i := strings.Index(email, "@"); i > 0 {
		nickname = email[:i]
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (email, nickname, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
		email, nickname, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensuring contact %s: %w", email, err)
	}
	return nil
}

// updateContactSummaryTx refreshes the chat-list summary for the
// message's contact: newest-message preview and the unread counter.
func updateContactSummaryTx(ctx context.Context, tx *sqlx.Tx, m model.Message) error {
	preview := m.Body
	if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength]) + "..."
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE contacts
		SET last_message_at = ?, last_message_preview = ?, updated_at = ?
		WHERE email = ? AND (last_message_at IS NULL OR last_message_at <= ?)`,
		m.SentAt.UTC(), preview, time.Now().UTC(), m.ConversationKey, m.SentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating contact summary %s: %w", m.ConversationKey, err)
	}

	if m.Direction == model.DirectionInbound && !m.Read {
		_, err = tx.ExecContext(ctx,
			"UPDATE contacts SET unread_count = unread_count + 1 WHERE email = ?",
			m.ConversationKey,
		)
		if err != nil {
			return fmt.Errorf("updating unread count %s: %w", m.ConversationKey, err)
		}
	}

	return nil
}

// RetryMessage moves a failed message back to pending. This is the only
// sanctioned backward state move and requires an explicit user action.
func (s *SQLiteStore) RetryMessage(ctx context.Context, id string) error {
	msg, err := s.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.DeliveryState != model.DeliveryFailed {
		return fmt.Errorf("retrying message %s: state is %s, not failed", id, msg.DeliveryState)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET delivery_state = ? WHERE message_id = ? AND delivery_state = ?",
		string(model.DeliveryPending), id, string(model.DeliveryFailed),
	)
	if err != nil {
		return fmt.Errorf("retrying message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retrying message %s: concurrent state change", id)
	}

	s.notifier.Publish(Event{
		Kind:            EventDeliveryChanged,
		ConversationKey: msg.ConversationKey,
		MessageID:       id,
		DeliveryState:   model.DeliveryPending,
	})

	return nil
}

// GetMessageByID retrieves a single message by its identifier.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		selectMessageColumns+" FROM messages WHERE message_id = ?", id,
	)

	msg, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	return &msg, nil
}

// LatestMessage returns the newest message of a conversation by ordering
// key.
func (s *SQLiteStore) LatestMessage(ctx context.Context, contactKey string) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		selectMessageColumns+` FROM messages
		WHERE contact_email = ?
		ORDER BY sent_at DESC, message_id DESC
		LIMIT 1`, contactKey,
	)

	msg, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest message for %s: %w", contactKey, err)
	}

	return &msg, nil
}

// ListConversation returns one page of a conversation, ascending by
// (logical timestamp, message id).
func (s *SQLiteStore) ListConversation(ctx context.Context, contactKey string, rng ConversationRange) ([]model.Message, error) {
	conditions := []string{"contact_email = ?"}
	args := []interface{}{contactKey}

	if !rng.Since.IsZero() {
		conditions = append(conditions, "sent_at >= ?")
		args = append(args, rng.Since.UTC())
	}
	if !rng.Until.IsZero() {
		conditions = append(conditions, "sent_at < ?")
		args = append(args, rng.Until.UTC())
	}

	query := selectMessageColumns + " FROM messages WHERE " +
		strings.Join(conditions, " AND ") +
		" ORDER BY sent_at ASC, message_id ASC"

	// SQLite only accepts OFFSET after a LIMIT clause; -1 means unbounded.
	if rng.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", rng.Limit)
	} else if rng.Offset > 0 {
		query += " LIMIT -1"
	}
	if rng.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", rng.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation %s: %w", contactKey, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// SearchMessages finds messages whose body contains the keyword.
func (s *SQLiteStore) SearchMessages(ctx context.Context, keyword string, contactKey string) ([]model.Message, error) {
	query := selectMessageColumns + " FROM messages WHERE body LIKE ?"
	args := []interface{}{"%" + keyword + "%"}

	if contactKey != "" {
		query += " AND contact_email = ?"
		args = append(args, contactKey)
	}
	query += " ORDER BY sent_at DESC LIMIT 100"

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

// MarkConversationRead marks all inbound messages of a conversation read
// and clears the contact's unread counter.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, contactKey string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET is_read = 1 WHERE contact_email = ? AND direction = 'inbound'",
		contactKey,
	)
	if err != nil {
		return fmt.Errorf("marking messages read for %s: %w", contactKey, err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE contacts SET unread_count = 0, updated_at = ? WHERE email = ?",
		time.Now().UTC(), contactKey,
	)
	if err != nil {
		return fmt.Errorf("clearing unread count for %s: %w", contactKey, err)
	}

	return tx.Commit()
}

// UpsertContact inserts or updates a contact by canonical address.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c model.Contact) error {
	if c.Email == "" {
		return fmt.Errorf("upserting contact: empty email")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (email, nickname, blocked, online, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			nickname = excluded.nickname,
			blocked = excluded.blocked,
			updated_at = excluded.updated_at`,
		c.Email, c.Nickname, boolToInt(c.Blocked), boolToInt(c.Online), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting contact %s: %w", c.Email, err)
	}

	return nil
}

// GetContactByEmail retrieves a single contact by canonical address.
func (s *SQLiteStore) GetContactByEmail(ctx context.Context, email string) (*model.Contact, error) {
	row := s.db.QueryRowxContext(ctx,
		selectContactColumns+" FROM contacts WHERE email = ?", email,
	)

	c, err := scanContactRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting contact %s: %w", email, err)
	}

	return &c, nil
}

// GetContacts retrieves contacts ordered for the chat list: most recent
// conversation first.
func (s *SQLiteStore) GetContacts(ctx context.Context, includeBlocked bool) ([]model.Contact, error) {
	query := selectContactColumns + " FROM contacts"
	if !includeBlocked {
		query += " WHERE blocked = 0"
	}
	query += " ORDER BY last_message_at DESC, nickname ASC"

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// DeleteContact removes a contact and, via the foreign key cascade, its
// conversation history.
func (s *SQLiteStore) DeleteContact(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM contacts WHERE email = ?", email)
	if err != nil {
		return fmt.Errorf("deleting contact %s: %w", email, err)
	}
	return nil
}

// SetContactBlocked toggles the blocked flag for a contact.
func (s *SQLiteStore) SetContactBlocked(ctx context.Context, email string, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET blocked = ?, updated_at = ? WHERE email = ?",
		boolToInt(blocked), time.Now().UTC(), email,
	)
	if err != nil {
		return fmt.Errorf("setting blocked for %s: %w", email, err)
	}
	return nil
}

// SetContactPresence records the latest presence status for a contact,
// creating the contact if a status message arrives before any chat turn.
func (s *SQLiteStore) SetContactPresence(ctx context.Context, email string, online bool) error {
	nickname := email
	if i := strings.Index(email, "@"); i > 0 {
		nickname = email[:i]
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (email, nickname, online, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			online = excluded.online,
			updated_at = excluded.updated_at`,
		email, nickname, boolToInt(online), now, now,
	)
	if err != nil {
		return fmt.Errorf("setting presence for %s: %w", email, err)
	}

	s.notifier.Publish(Event{
		Kind:            EventPresenceChanged,
		ConversationKey: email,
		Online:          online,
	})

	return nil
}

// ReadCursor returns the poll cursor for a mailbox, or a zero cursor if
// the mailbox has never been polled.
func (s *SQLiteStore) ReadCursor(ctx context.Context, mailboxID string) (model.PollCursor, error) {
	var (
		lastUID   uint32
		lastSeen  sql.NullTime
		updatedAt time.Time
	)

	row := s.db.QueryRowxContext(ctx,
		"SELECT last_uid, last_seen, updated_at FROM cursors WHERE mailbox_id = ?",
		mailboxID,
	)
	err := row.Scan(&lastUID, &lastSeen, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PollCursor{MailboxID: mailboxID}, nil
	}
	if err != nil {
		return model.PollCursor{}, fmt.Errorf("reading cursor %s: %w", mailboxID, err)
	}

	cursor := model.PollCursor{
		MailboxID: mailboxID,
		LastUID:   lastUID,
		UpdatedAt: updatedAt,
	}
	if lastSeen.Valid {
		cursor.LastSeen = lastSeen.Time
	}

	return cursor, nil
}

// WriteCursor commits a poll cursor. Callers must only do this after the
// batch the cursor covers has been fully persisted.
func (s *SQLiteStore) WriteCursor(ctx context.Context, cursor model.PollCursor) error {
	if cursor.MailboxID == "" {
		return fmt.Errorf("writing cursor: empty mailbox id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cursors (mailbox_id, last_uid, last_seen, updated_at)
		VALUES (?, ?, ?, ?)`,
		cursor.MailboxID, cursor.LastUID, cursor.LastSeen.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing cursor %s: %w", cursor.MailboxID, err)
	}

	return nil
}

const selectMessageColumns = `SELECT
	message_id, contact_email, direction, type,
	sender, recipient, body, attachment_name, attachment_size,
	sent_at, received_at, delivery_state, reply_to, is_read`

const selectContactColumns = `SELECT
	email, nickname, blocked, online, unread_count,
	last_message_at, last_message_preview, created_at, updated_at`

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		msg       model.Message
		direction string
		msgType   string
		state     string
		isRead    int
	)

	err := rows.Scan(
		&msg.ID, &msg.ConversationKey, &direction, &msgType,
		&msg.Sender, &msg.Recipient, &msg.Body,
		&msg.AttachmentName, &msg.AttachmentSize,
		&msg.SentAt, &msg.ReceivedAt, &state, &msg.ReplyTo, &isRead,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Direction = model.Direction(direction)
	msg.Type = model.MessageType(msgType)
	msg.DeliveryState = model.DeliveryState(state)
	msg.Read = isRead != 0

	return msg, nil
}

// scanMessageRow scans a single message from a sqlx.Row.
func scanMessageRow(row *sqlx.Row) (model.Message, error) {
	var (
		msg       model.Message
		direction string
		msgType   string
		state     string
		isRead    int
	)

	err := row.Scan(
		&msg.ID, &msg.ConversationKey, &direction, &msgType,
		&msg.Sender, &msg.Recipient, &msg.Body,
		&msg.AttachmentName, &msg.AttachmentSize,
		&msg.SentAt, &msg.ReceivedAt, &state, &msg.ReplyTo, &isRead,
	)
	if err != nil {
		return model.Message{}, err
	}

	msg.Direction = model.Direction(direction)
	msg.Type = model.MessageType(msgType)
	msg.DeliveryState = model.DeliveryState(state)
	msg.Read = isRead != 0

	return msg, nil
}

// scanContact scans a contact row from a sqlx.Rows result set.
func scanContact(rows *sqlx.Rows) (model.Contact, error) {
	var (
		c             model.Contact
		blocked       int
		online        int
		lastMessageAt sql.NullTime
	)

	err := rows.Scan(
		&c.Email, &c.Nickname, &blocked, &online, &c.UnreadCount,
		&lastMessageAt, &c.LastMessagePreview, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.Contact{}, fmt.Errorf("scanning contact row: %w", err)
	}

	c.Blocked = blocked != 0
	c.Online = online != 0
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}

	return c, nil
}

// scanContactRow scans a single contact from a sqlx.Row.
func scanContactRow(row *sqlx.Row) (model.Contact, error) {
	var (
		c             model.Contact
		blocked       int
		online        int
		lastMessageAt sql.NullTime
	)

	err := row.Scan(
		&c.Email, &c.Nickname, &blocked, &online, &c.UnreadCount,
		&lastMessageAt, &c.LastMessagePreview, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.Contact{}, err
	}

	c.Blocked = blocked != 0
	c.Online = online != 0
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}

	return c, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
