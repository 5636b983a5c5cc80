package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPSender delivers outgoing mail items over SMTP using go-smtp.
// Like the mailbox, it opens a fresh connection per send; the dispatcher
// never retries silently, so there is no connection churn to amortize.
type SMTPSender struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewSMTPSender creates an SMTP sender for the given account.
func NewSMTPSender(host, port, username, password string, useTLS bool) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      useTLS,
	}
}

// Send submits one composed mail item. Authentication rejections come
// back as AuthError; everything else is a transient send failure.
func (s *SMTPSender) Send(_ context.Context, item RawMailItem) error {
	if len(item.Raw) == 0 {
		return fmt.Errorf("sending mail %s: empty raw message", item.MailID)
	}

	addr := s.host + ":" + s.port
	tlsConfig := &tls.Config{ServerName: s.host}

	var client *smtp.Client
	var err error

	if s.tls {
		client, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	defer client.Close()

	if err := client.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
		return &AuthError{
			Endpoint: addr,
			Message:  fmt.Sprintf("authentication failed for %s: %v", s.username, err),
		}
	}

	if err := client.SendMail(item.From, []string{item.To}, bytes.NewReader(item.Raw)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", item.To, err)
	}

	return client.Quit()
}
