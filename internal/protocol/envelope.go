// Package protocol defines the E-Chat mail wire format: the marker
// headers and subject convention that distinguish chat mail from ordinary
// inbox traffic, the JSON envelope carried in the mail body, and the pure
// transforms between raw mail items and chat messages.
//
// The marker scheme is a versioned protocol contract. Peers must set
// HeaderVersion on every chat mail they send; classification accepts the
// subject prefix as a fallback for clients that strip custom headers.
package protocol

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the wire protocol version stamped on every outgoing message.
const Version = "1.0"

// SubjectPrefix marks chat mail in the subject line.
const SubjectPrefix = "[E-Chat]"

// Marker header names carried on every chat mail item.
const (
	HeaderVersion   = "X-E-Chat-Version"
	HeaderType      = "X-E-Chat-Type"
	HeaderMessageID = "X-E-Chat-Message-ID"
)

// ClientInfo identifies the sending application inside the envelope.
type ClientInfo struct {
	App             string `json:"app"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
}

// Content is the type-dependent payload of an envelope.
type Content struct {
	// Text is the chat text for text messages.
	Text string `json:"text,omitempty"`

	// FileName and FileSize describe a file message; the bytes travel
	// as a MIME attachment, not in the envelope.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	// StatusType is online, offline, or typing for status messages.
	StatusType string `json:"status_type,omitempty"`
}

// Envelope is the JSON payload embedded in the body of a chat mail item.
type Envelope struct {
	Version   string     `json:"version"`
	MessageID string     `json:"message_id"`
	Type      string     `json:"type"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Timestamp string     `json:"timestamp"`
	Content   Content    `json:"content"`
	Client    ClientInfo `json:"client_info"`
}

// defaultClient is stamped on locally created envelopes.
var defaultClient = ClientInfo{
	App:             "E-Chat",
	Version:         "1.0.0",
	ProtocolVersion: Version,
}

// NewMessageID generates a unique chat message identifier of the form
// echat_<timestamp>_<8 hex>. The identifier is created before the mail is
// sent so the pending store entry and the wire item share it.
func NewMessageID() string {
	ts := time.Now().Format("20060102150405")
	return fmt.Sprintf("echat_%s_%s", ts, uuid.New().String()[:8])
}

// FormatSubject builds the marker subject for an outgoing message. The
// timestamp comes from the message's own send time so the subject and the
// envelope agree.
func FormatSubject(msgType, messageID string, sentAt time.Time) string {
	short := messageID
	if i := strings.LastIndex(messageID, "_"); i >= 0 {
		short = messageID[i+1:]
	}
	if len(short) > 8 {
		short = short[:8]
	}
	ts := sentAt.Format("20060102150405")
	return fmt.Sprintf("%s %s_%s_%s", SubjectPrefix, msgType, ts, short)
}

// IsChatSubject reports whether a subject carries the chat marker prefix.
func IsChatSubject(subject string) bool {
	return strings.HasPrefix(strings.TrimSpace(subject), SubjectPrefix)
}

// CanonicalAddress normalizes an email address to the form conversation
// keys and contact identities are compared by: the bare addr-spec with any
// display name removed, lowercased and trimmed. Capitalization differences
// across mail items therefore map to the same contact.
func CanonicalAddress(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(trimmed); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.Trim(trimmed, "<>"))
}
