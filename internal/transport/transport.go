// Package transport provides the mail wire collaborators: an IMAP-backed
// mailbox for fetching raw items above a poll cursor and an SMTP sender
// for outgoing items. The rest of the system treats both as opaque
// capabilities and never speaks IMAP or SMTP itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koabula/E-Chat/internal/model"
)

// AuthError indicates that authentication failed for a mail endpoint.
// It is structurally unrecoverable: polling suspends until the account is
// reconfigured, unlike transient connectivity errors which retry on the
// next tick.
type AuthError struct {
	Endpoint string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Endpoint, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// AttachmentInfo is metadata about a MIME attachment on a raw item.
type AttachmentInfo struct {
	Filename string
	Size     int64
	MIMEType string
}

// RawMailItem is one mail message as handed over by the mailbox, reduced
// to the fields the chat protocol cares about. It is a transient working
// copy; only parsed chat messages are persisted.
type RawMailItem struct {
	// UID is the IMAP UID within the selected mailbox; zero for
	// locally composed outgoing items.
	UID uint32

	// Standard header fields.
	Subject      string
	From         string
	To           string
	MailID       string // RFC 5322 Message-ID
	InReplyTo    string
	References   []string
	Date         time.Time
	InternalDate time.Time

	// Header holds the remaining header fields by canonical MIME key
	// (first value only), so protocol-specific markers travel through
	// without the transport knowing about them.
	Header map[string]string

	// TextBody is the decoded text/plain part.
	TextBody string

	// Attachments is metadata for any MIME attachments.
	Attachments []AttachmentInfo

	// Raw is the full RFC 5322 message for outgoing items.
	Raw []byte
}

// Mailbox fetches raw mail items newer than a poll cursor.
type Mailbox interface {
	// FetchSince returns all items strictly above the cursor's high-water
	// mark, in mailbox order, together with the cursor value that covers
	// them. The returned cursor must only be committed after the batch is
	// durably persisted.
	FetchSince(ctx context.Context, cursor model.PollCursor) ([]RawMailItem, model.PollCursor, error)
}

// Sender delivers one outgoing mail item.
type Sender interface {
	Send(ctx context.Context, item RawMailItem) error
}
