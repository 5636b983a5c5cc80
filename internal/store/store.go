package store

import (
	"context"
	"errors"
	"time"

	"github.com/koabula/E-Chat/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ConversationRange controls paging for conversation queries. Messages
// are always returned ascending by (logical timestamp, message id).
type ConversationRange struct {
	// Since is the inclusive lower bound on the logical timestamp;
	// zero means beginning of the conversation.
	Since time.Time

	// Until is the exclusive upper bound; zero means no upper bound.
	Until time.Time

	Limit  int
	Offset int
}

// Store is the single source of truth for contacts, messages, and poll
// cursors. All writers go through its transactional upsert; no other
// component mutates persisted message data.
type Store interface {
	// UpsertMessages inserts or merges a batch of messages in one
	// transaction: either the whole batch commits or none of it does.
	// Re-observing a known identifier never creates a duplicate; it may
	// only move the delivery state forward. Body and timestamps on an
	// existing identifier are immutable. A message whose reply reference
	// matches a known prior message is threaded into that message's
	// conversation regardless of its sender.
	UpsertMessages(ctx context.Context, msgs []model.Message) error

	// RetryMessage moves a failed message back to pending so the
	// dispatcher can re-send it. Only the failed state may be retried.
	RetryMessage(ctx context.Context, id string) error

	GetMessageByID(ctx context.Context, id string) (*model.Message, error)

	// LatestMessage returns the newest message in a conversation by
	// ordering key, or ErrNotFound for an empty conversation.
	LatestMessage(ctx context.Context, contactKey string) (*model.Message, error)

	// ListConversation returns one page of a conversation in ordering-key
	// order.
	ListConversation(ctx context.Context, contactKey string, rng ConversationRange) ([]model.Message, error)

	// SearchMessages finds messages whose body matches the keyword,
	// optionally restricted to one conversation (empty contactKey means
	// all conversations).
	SearchMessages(ctx context.Context, keyword string, contactKey string) ([]model.Message, error)

	// MarkConversationRead marks all inbound messages of a conversation
	// read and clears the contact's unread counter.
	MarkConversationRead(ctx context.Context, contactKey string) error

	UpsertContact(ctx context.Context, c model.Contact) error
	GetContactByEmail(ctx context.Context, email string) (*model.Contact, error)
	GetContacts(ctx context.Context, includeBlocked bool) ([]model.Contact, error)
	DeleteContact(ctx context.Context, email string) error
	SetContactBlocked(ctx context.Context, email string, blocked bool) error
	SetContactPresence(ctx context.Context, email string, online bool) error

	// ReadCursor returns the poll cursor for a mailbox; a mailbox never
	// polled before gets a zero cursor, not an error.
	ReadCursor(ctx context.Context, mailboxID string) (model.PollCursor, error)
	WriteCursor(ctx context.Context, cursor model.PollCursor) error

	// Notifier exposes the change-notification stream the presentation
	// layer subscribes to.
	Notifier() *Notifier

	Close() error
}
