package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/koabula/E-Chat/internal/model"
)

// IMAPMailbox fetches raw mail items from an IMAP INBOX using go-imap v2.
// Each fetch opens a fresh connection; the poller calls it at most once
// per cycle so connection reuse buys little and reconnection logic stays
// out of the picture.
type IMAPMailbox struct {
	host      string
	port      string
	username  string
	password  string
	tls       bool
	mailboxID string
}

// NewIMAPMailbox creates an IMAP-backed mailbox for the given account.
func NewIMAPMailbox(host, port, username, password string, tls bool, mailboxID string) *IMAPMailbox {
	return &IMAPMailbox{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		tls:       tls,
		mailboxID: mailboxID,
	}
}

// connect dials the IMAP server and authenticates. A login rejection is
// reported as an AuthError so the poller can suspend instead of retrying.
func (m *IMAPMailbox) connect(_ context.Context) (*imapclient.Client, error) {
	addr := m.host + ":" + m.port

	var client *imapclient.Client
	var err error

	if m.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(m.username, m.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Endpoint: addr,
			Message:  fmt.Sprintf("authentication failed for %s: %v", m.username, err),
		}
	}

	return client, nil
}

// FetchSince returns all INBOX items with a UID strictly above the
// cursor's high-water mark, in ascending UID order, along with the cursor
// value covering them. On first run (zero cursor) the whole mailbox is
// scanned; the idempotent store makes re-fetching harmless either way.
func (m *IMAPMailbox) FetchSince(ctx context.Context, cursor model.PollCursor) ([]RawMailItem, model.PollCursor, error) {
	next := cursor
	next.MailboxID = m.mailboxID

	client, err := m.connect(ctx)
	if err != nil {
		return nil, next, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, next, fmt.Errorf("selecting INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(cursor.LastUID + 1), Stop: 0}}},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, next, fmt.Errorf("searching messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, next, nil
	}
	slices.Sort(uids)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:     true,
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)

	var items []RawMailItem
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			// A message we cannot read must fail the whole fetch: the
			// cursor stays put and the next tick re-fetches the range.
			// Skipping here would let the cursor advance past the item
			// and lose it for good.
			_ = fetchCmd.Close()
			return nil, cursor, fmt.Errorf("collecting message: %w", err)
		}

		item := itemFromBuffer(buf, bodySection)
		items = append(items, item)

		if item.UID > next.LastUID {
			next.LastUID = item.UID
		}
		if item.InternalDate.After(next.LastSeen) {
			next.LastSeen = item.InternalDate
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, cursor, fmt.Errorf("fetching messages: %w", err)
	}

	return items, next, nil
}

// itemFromBuffer converts a fetched message buffer into a RawMailItem,
// combining envelope data with the parsed RFC 5322 header and body.
func itemFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) RawMailItem {
	item := RawMailItem{
		UID:          uint32(buf.UID),
		InternalDate: buf.InternalDate,
		Header:       make(map[string]string),
	}

	if buf.Envelope != nil {
		item.Subject = buf.Envelope.Subject
		item.MailID = buf.Envelope.MessageID
		item.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			item.From = buf.Envelope.From[0].Addr()
		}
		if len(buf.Envelope.To) > 0 {
			item.To = buf.Envelope.To[0].Addr()
		}
		if len(buf.Envelope.InReplyTo) > 0 {
			item.InReplyTo = strings.Trim(buf.Envelope.InReplyTo[0], "<>")
		}
	}

	raw := buf.FindBodySection(section)
	if raw != nil {
		fillFromRaw(&item, raw)
	}

	return item
}

// fillFromRaw parses the full message with go-message, copying header
// fields and extracting the text body and attachment metadata.
func fillFromRaw(item *RawMailItem, raw []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Undecodable MIME: keep whatever the envelope gave us and
		// treat the raw bytes as the body.
		if item.TextBody == "" {
			item.TextBody = string(raw)
		}
		return
	}
	defer mr.Close()

	fields := mr.Header.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		if _, seen := item.Header[key]; seen {
			continue
		}
		if val, err := fields.Text(); err == nil {
			item.Header[key] = val
		}
	}

	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		item.InReplyTo = ids[0]
	}
	if refs, err := mr.Header.MsgIDList("References"); err == nil {
		item.References = refs
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if strings.HasPrefix(contentType, "text/plain") && item.TextBody == "" {
				item.TextBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			item.Attachments = append(item.Attachments, AttachmentInfo{
				Filename: filename,
				Size:     int64(len(body)),
				MIMEType: contentType,
			})
		}
	}
}
