// Command echat runs the email-to-chat core as a daemon: it polls the
// configured mailbox, persists conversations locally, and logs store
// change events. Presentation layers attach through the store's
// change-notification stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/koabula/E-Chat/internal/config"
	"github.com/koabula/E-Chat/internal/credential"
	"github.com/koabula/E-Chat/internal/dispatch"
	"github.com/koabula/E-Chat/internal/logger"
	"github.com/koabula/E-Chat/internal/poller"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/internal/transport"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	setPassword := flag.Bool("set-password", false,
		"store the mailbox password from $ECHAT_PASSWORD in the system keyring and exit")
	sendTo := flag.String("send", "", "send one message to this address and exit")
	sendText := flag.String("text", "", "message text for -send")
	flag.Parse()

	if err := run(*configPath, *setPassword, *sendTo, *sendText); err != nil {
		fmt.Fprintln(os.Stderr, "echat:", err)
		os.Exit(1)
	}
}

func run(configPath string, setPassword bool, sendTo, sendText string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Mailbox.Username == "" {
		return fmt.Errorf("no mailbox configured; set mailbox.username in %s", configPath)
	}

	if setPassword {
		password := os.Getenv("ECHAT_PASSWORD")
		if password == "" {
			return fmt.Errorf("ECHAT_PASSWORD is not set")
		}
		if err := credential.SetMailboxPassword(cfg.Mailbox.Username, password); err != nil {
			return err
		}
		fmt.Printf("password stored for %s\n", cfg.Mailbox.Username)
		return nil
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	password, err := credential.MailboxPassword(cfg.Mailbox.Username)
	if err != nil {
		return fmt.Errorf("no stored password for %s (run with -set-password): %w",
			cfg.Mailbox.Username, err)
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if sendTo != "" {
		sender := transport.NewSMTPSender(
			cfg.Mailbox.SMTPHost, cfg.Mailbox.SMTPPort,
			cfg.Mailbox.Username, password, cfg.Mailbox.TLS,
		)
		d := dispatch.New(st, sender, cfg.Mailbox.Username, log)
		msg, err := d.SendMessage(context.Background(), sendTo, sendText)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s to %s\n", msg.ID, msg.Recipient)
		return nil
	}

	mailbox := transport.NewIMAPMailbox(
		cfg.Mailbox.IMAPHost, cfg.Mailbox.IMAPPort,
		cfg.Mailbox.Username, password, cfg.Mailbox.TLS, cfg.Mailbox.ID,
	)

	session := poller.NewSession(
		cfg.Mailbox.ID, mailbox, st,
		time.Duration(cfg.Mailbox.PollIntervalSec)*time.Second, log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, cancel := st.Notifier().Subscribe()
	defer cancel()

	go session.Run(ctx)

	log.Info("echat daemon started",
		zap.String("mailbox", cfg.Mailbox.ID),
		zap.Int("poll_interval_sec", cfg.Mailbox.PollIntervalSec),
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case evt := <-events:
			log.Info("store event",
				zap.String("kind", string(evt.Kind)),
				zap.String("conversation", evt.ConversationKey),
				zap.String("message_id", evt.MessageID),
				zap.String("delivery_state", string(evt.DeliveryState)),
			)
		}
	}
}
