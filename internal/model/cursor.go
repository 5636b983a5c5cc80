package model

import "time"

// PollCursor is the per-mailbox high-water mark separating already
// processed mail from unprocessed mail. It only advances after a fetched
// batch has been durably persisted, so re-fetching below the mark is
// always safe.
type PollCursor struct {
	// MailboxID identifies the mailbox this cursor belongs to.
	MailboxID string `json:"mailbox_id"`

	// LastUID is the highest IMAP UID that has been fully persisted.
	// Zero means beginning of time.
	LastUID uint32 `json:"last_uid"`

	// LastSeen is the internal date of the newest persisted item.
	LastSeen time.Time `json:"last_seen"`

	// UpdatedAt is when the cursor was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Advances reports whether other is strictly ahead of c.
func (c PollCursor) Advances(other PollCursor) bool {
	return other.LastUID > c.LastUID
}
