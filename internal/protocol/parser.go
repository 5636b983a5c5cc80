package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/transport"
)

// Outcome classifies the result of parsing one raw mail item.
type Outcome int

const (
	// OutcomeOK means a chat message was extracted.
	OutcomeOK Outcome = iota

	// OutcomeIgnored means the item carries no chat marker and belongs
	// to ordinary inbox traffic.
	OutcomeIgnored

	// OutcomeMalformed means the item is marked as chat mail but its
	// payload could not be turned into a message. Malformed items are
	// skipped per item and never abort a batch.
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// validTypes are the message types this protocol version accepts.
var validTypes = map[string]model.MessageType{
	"text":   model.TypeText,
	"file":   model.TypeFile,
	"status": model.TypeStatus,
}

// Parse classifies one raw mail item and, when it is chat mail, extracts
// the message it carries. It is a pure transform: no I/O, no store access.
//
// Extraction is tolerant. A marked item whose body is not a valid JSON
// envelope falls back to a plain text message; a missing timestamp falls
// back to the mail date. Only items that yield no usable identifier or an
// unknown message type are reported malformed.
func Parse(item transport.RawMailItem) (*model.Message, Outcome) {
	if item.Header[HeaderVersion] == "" && !IsChatSubject(item.Subject) {
		return nil, OutcomeIgnored
	}

	env, ok := decodeEnvelope(item.TextBody)
	if !ok {
		env = fallbackEnvelope(item)
	}

	msgType, ok := validTypes[env.Type]
	if !ok {
		return nil, OutcomeMalformed
	}

	id := firstNonEmpty(env.MessageID, item.Header[HeaderMessageID], stripAngles(item.MailID))
	if id == "" {
		return nil, OutcomeMalformed
	}

	sender := CanonicalAddress(firstNonEmpty(env.Sender, item.From))
	if sender == "" {
		return nil, OutcomeMalformed
	}

	msg := &model.Message{
		ID:              id,
		ConversationKey: sender,
		Direction:       model.DirectionInbound,
		Type:            msgType,
		Sender:          sender,
		Recipient:       CanonicalAddress(firstNonEmpty(env.Recipient, item.To)),
		SentAt:          resolveSentAt(env.Timestamp, item),
		ReceivedAt:      resolveReceivedAt(item),
		DeliveryState:   model.DeliveryDelivered,
		ReplyTo:         stripAngles(item.InReplyTo),
	}

	switch msgType {
	case model.TypeText:
		msg.Body = env.Content.Text
	case model.TypeFile:
		msg.Body = env.Content.Text
		msg.AttachmentName = env.Content.FileName
		msg.AttachmentSize = env.Content.FileSize
		if msg.AttachmentName == "" && len(item.Attachments) > 0 {
			msg.AttachmentName = item.Attachments[0].Filename
			msg.AttachmentSize = item.Attachments[0].Size
		}
	case model.TypeStatus:
		if env.Content.StatusType == "" {
			return nil, OutcomeMalformed
		}
		msg.Body = env.Content.StatusType
	}

	return msg, OutcomeOK
}

// decodeEnvelope extracts the JSON envelope from a mail body. The body
// carries a human-readable preamble before the JSON, so decoding starts
// at the first brace.
func decodeEnvelope(body string) (Envelope, bool) {
	start := strings.Index(body, "{")
	if start < 0 {
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal([]byte(body[start:]), &env); err != nil {
		return Envelope{}, false
	}
	if env.Version == "" || env.Type == "" {
		return Envelope{}, false
	}
	return env, true
}

// fallbackEnvelope wraps a marked mail item whose body is not a valid
// envelope as a plain text message, so chat mail from lossy third-party
// clients still shows up instead of disappearing.
func fallbackEnvelope(item transport.RawMailItem) Envelope {
	return Envelope{
		Version:   "unknown",
		MessageID: item.Header[HeaderMessageID],
		Type:      string(model.TypeText),
		Sender:    item.From,
		Recipient: item.To,
		Content:   Content{Text: strings.TrimSpace(item.TextBody)},
	}
}

// resolveSentAt picks the logical timestamp: the sender-asserted envelope
// time when present and parseable, otherwise the mail date, otherwise the
// arrival time.
func resolveSentAt(stamp string, item transport.RawMailItem) time.Time {
	if stamp != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, stamp); err == nil {
				return t
			}
		}
	}
	if !item.Date.IsZero() {
		return item.Date
	}
	return resolveReceivedAt(item)
}

func resolveReceivedAt(item transport.RawMailItem) time.Time {
	if !item.InternalDate.IsZero() {
		return item.InternalDate
	}
	return item.Date
}

func stripAngles(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
