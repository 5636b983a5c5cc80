package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/transport"
)

func TestParseIgnoresOrdinaryMail(t *testing.T) {
	item := transport.RawMailItem{
		UID:      7,
		Subject:  "Meeting notes",
		From:     "colleague@example.com",
		To:       "me@example.com",
		TextBody: "See attached.",
	}

	msg, outcome := Parse(item)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestBuildParseRoundTrip(t *testing.T) {
	sentAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	out := model.Message{
		ID:              NewMessageID(),
		ConversationKey: "bob@example.com",
		Direction:       model.DirectionOutbound,
		Type:            model.TypeText,
		Sender:          "alice@example.com",
		Recipient:       "bob@example.com",
		Body:            "hello over mail",
		SentAt:          sentAt,
		DeliveryState:   model.DeliveryPending,
		ReplyTo:         "echat_20260314092500_deadbeef",
	}

	item, err := BuildMail(out)
	require.NoError(t, err)

	assert.True(t, IsChatSubject(item.Subject))
	assert.Equal(t, Version, item.Header[HeaderVersion])
	assert.Equal(t, "text", item.Header[HeaderType])
	assert.Equal(t, out.ID, item.Header[HeaderMessageID])
	assert.NotEmpty(t, item.Raw)

	in, outcome := Parse(item)
	require.Equal(t, OutcomeOK, outcome)

	assert.Equal(t, out.ID, in.ID)
	assert.Equal(t, model.DirectionInbound, in.Direction)
	assert.Equal(t, model.TypeText, in.Type)
	assert.Equal(t, "alice@example.com", in.Sender)
	assert.Equal(t, "alice@example.com", in.ConversationKey)
	assert.Equal(t, "bob@example.com", in.Recipient)
	assert.Equal(t, out.Body, in.Body)
	assert.Equal(t, model.DeliveryDelivered, in.DeliveryState)
	assert.Equal(t, out.ReplyTo, in.ReplyTo)
	assert.True(t, in.SentAt.Equal(sentAt))
}

func TestBuildParseRoundTripFile(t *testing.T) {
	out := model.Message{
		ID:             NewMessageID(),
		Type:           model.TypeFile,
		Sender:         "alice@example.com",
		Recipient:      "bob@example.com",
		Body:           "here is the report",
		AttachmentName: "report.pdf",
		AttachmentSize: 48213,
		SentAt:         time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}

	item, err := BuildMail(out)
	require.NoError(t, err)

	in, outcome := Parse(item)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, model.TypeFile, in.Type)
	assert.Equal(t, "report.pdf", in.AttachmentName)
	assert.Equal(t, int64(48213), in.AttachmentSize)
}

func TestBuildMailRequiresAddresses(t *testing.T) {
	_, err := BuildMail(model.Message{ID: "echat_x", Type: model.TypeText})
	assert.Error(t, err)
}

func TestParseFallsBackToPlainText(t *testing.T) {
	// A marked item whose body is not a valid envelope still yields a
	// text message instead of vanishing.
	item := transport.RawMailItem{
		UID:     3,
		Subject: "[E-Chat] text_20260314093000_cafe0001",
		From:    "Bob <Bob@Example.com>",
		To:      "me@example.com",
		Header: map[string]string{
			HeaderVersion:   Version,
			HeaderMessageID: "echat_20260314093000_cafe0001",
		},
		TextBody:     "  just plain words  ",
		Date:         time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		InternalDate: time.Date(2026, 3, 14, 9, 30, 5, 0, time.UTC),
	}

	msg, outcome := Parse(item)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, model.TypeText, msg.Type)
	assert.Equal(t, "just plain words", msg.Body)
	assert.Equal(t, "bob@example.com", msg.Sender)
	assert.Equal(t, "echat_20260314093000_cafe0001", msg.ID)
	assert.True(t, msg.SentAt.Equal(item.Date))
	assert.True(t, msg.ReceivedAt.Equal(item.InternalDate))
}

func TestParseMalformedWithoutIdentifier(t *testing.T) {
	item := transport.RawMailItem{
		Subject:  "[E-Chat] text_20260314093000_cafe0002",
		From:     "bob@example.com",
		Header:   map[string]string{HeaderVersion: Version},
		TextBody: "no envelope, no ids",
	}

	msg, outcome := Parse(item)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeMalformed, outcome)
}

func TestParseMalformedUnknownType(t *testing.T) {
	item := transport.RawMailItem{
		Subject: "[E-Chat] blob_20260314093000_cafe0003",
		From:    "bob@example.com",
		MailID:  "<echat_20260314093000_cafe0003>",
		Header:  map[string]string{HeaderVersion: Version},
		TextBody: `{
			"version": "1.0",
			"message_id": "echat_20260314093000_cafe0003",
			"type": "blob",
			"sender": "bob@example.com",
			"content": {}
		}`,
	}

	msg, outcome := Parse(item)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeMalformed, outcome)
}

func TestParseStatusMessage(t *testing.T) {
	item := transport.RawMailItem{
		Subject: "[E-Chat] status_20260314093000_cafe0004",
		From:    "bob@example.com",
		Header:  map[string]string{HeaderVersion: Version},
		TextBody: `Status update below.
{
			"version": "1.0",
			"message_id": "echat_20260314093000_cafe0004",
			"type": "status",
			"sender": "bob@example.com",
			"recipient": "me@example.com",
			"content": {"status_type": "online"}
		}`,
	}

	msg, outcome := Parse(item)
	require.Equal(t, OutcomeOK, outcome)
	assert.Equal(t, model.TypeStatus, msg.Type)
	assert.Equal(t, "online", msg.Body)
}

func TestParseStatusWithoutStatusTypeIsMalformed(t *testing.T) {
	item := transport.RawMailItem{
		Subject: "[E-Chat] status_20260314093000_cafe0005",
		From:    "bob@example.com",
		Header:  map[string]string{HeaderVersion: Version},
		TextBody: `{
			"version": "1.0",
			"message_id": "echat_20260314093000_cafe0005",
			"type": "status",
			"sender": "bob@example.com",
			"content": {}
		}`,
	}

	msg, outcome := Parse(item)
	assert.Nil(t, msg)
	assert.Equal(t, OutcomeMalformed, outcome)
}

func TestCanonicalAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice@Example.com", "alice@example.com"},
		{"  bob@example.com  ", "bob@example.com"},
		{"Alice Smith <Alice@Example.COM>", "alice@example.com"},
		{"<carol@example.com>", "carol@example.com"},
		{"", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, CanonicalAddress(tc.in), "input %q", tc.in)
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	assert.True(t, strings.HasPrefix(id, "echat_"))

	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Len(t, parts[1], 14)
	assert.Len(t, parts[2], 8)

	assert.NotEqual(t, id, NewMessageID())
}

func TestFormatSubject(t *testing.T) {
	sentAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	subject := FormatSubject("text", "echat_20260314093000_cafe0006", sentAt)
	assert.True(t, IsChatSubject(subject))
	assert.Contains(t, subject, "cafe0006")

	// The subject timestamp derives from the message's send time, not
	// the wall clock, so it always matches the envelope.
	assert.Equal(t, "[E-Chat] text_20260314093000_cafe0006", subject)
}
