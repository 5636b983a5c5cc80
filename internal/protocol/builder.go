package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/transport"
)

// BuildMail turns an outgoing chat message into a fully composed,
// correctly addressed and marked raw mail item ready for the sender.
// The item carries the marker headers, the JSON envelope body, and an
// In-Reply-To reference when the message answers a prior one.
func BuildMail(msg model.Message) (transport.RawMailItem, error) {
	if msg.Sender == "" || msg.Recipient == "" {
		return transport.RawMailItem{}, fmt.Errorf("building mail for %s: sender and recipient required", msg.ID)
	}

	env := Envelope{
		Version:   Version,
		MessageID: msg.ID,
		Type:      string(msg.Type),
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Timestamp: msg.SentAt.Format(time.RFC3339Nano),
		Client:    defaultClient,
	}

	switch msg.Type {
	case model.TypeText:
		env.Content.Text = msg.Body
	case model.TypeFile:
		env.Content.Text = msg.Body
		env.Content.FileName = msg.AttachmentName
		env.Content.FileSize = msg.AttachmentSize
	case model.TypeStatus:
		env.Content.StatusType = msg.Body
	default:
		return transport.RawMailItem{}, fmt.Errorf("building mail for %s: unsupported type %q", msg.ID, msg.Type)
	}

	subject := FormatSubject(string(msg.Type), msg.ID, msg.SentAt)
	body, err := formatBody(env)
	if err != nil {
		return transport.RawMailItem{}, err
	}

	raw, err := composeRFC5322(msg, env, subject, body)
	if err != nil {
		return transport.RawMailItem{}, err
	}

	return transport.RawMailItem{
		Subject:   subject,
		From:      msg.Sender,
		To:        msg.Recipient,
		MailID:    msg.ID,
		InReplyTo: msg.ReplyTo,
		Date:      msg.SentAt,
		Header: map[string]string{
			HeaderVersion:   env.Version,
			HeaderType:      env.Type,
			HeaderMessageID: env.MessageID,
		},
		TextBody: body,
		Raw:      raw,
	}, nil
}

// formatBody renders the envelope as a human-readable preamble followed
// by the JSON payload, matching what the parser expects on the way in.
func formatBody(env Envelope) (string, error) {
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding envelope %s: %w", env.MessageID, err)
	}

	var b bytes.Buffer
	b.WriteString("E-Chat Message\n")
	b.WriteString("==============\n")
	fmt.Fprintf(&b, "From: %s\n", env.Sender)
	fmt.Fprintf(&b, "To: %s\n", env.Recipient)
	fmt.Fprintf(&b, "Type: %s\n", env.Type)
	fmt.Fprintf(&b, "Time: %s\n", env.Timestamp)
	b.WriteString("\nRaw Message Data:\n")
	b.WriteString("-----------------\n")
	b.Write(payload)
	b.WriteString("\n")

	return b.String(), nil
}

// composeRFC5322 writes the full mail message using go-message so header
// folding and encoding follow the RFCs.
func composeRFC5322(msg model.Message, env Envelope, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(msg.SentAt)
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: msg.Sender}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.Recipient}})
	h.SetMessageID(msg.ID)
	if msg.ReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.ReplyTo})
		h.SetMsgIDList("References", []string{msg.ReplyTo})
	}
	h.Set(HeaderVersion, env.Version)
	h.Set(HeaderType, env.Type)
	h.Set(HeaderMessageID, env.MessageID)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("composing mail %s: %w", msg.ID, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing mail body %s: %w", msg.ID, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing mail writer %s: %w", msg.ID, err)
	}

	return buf.Bytes(), nil
}
