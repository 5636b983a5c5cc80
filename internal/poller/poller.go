// Package poller drives the inbound path: on a fixed interval it fetches
// mail above the poll cursor, runs each item through the protocol parser,
// persists the extracted messages, and advances the cursor only once the
// whole batch is durable.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/protocol"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/internal/transport"
)

// State represents the current state of a poll session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
	StateAuthError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateAuthError:
		return "auth_error"
	default:
		return "unknown"
	}
}

// Status is the connectivity status surfaced to the application: idle or
// running during normal operation, error after a transient failure that
// the next tick will retry, auth_error when polling is suspended until
// the account is reconfigured.
type Status struct {
	MailboxID string
	State     State
	LastPoll  time.Time
	Err       error
}

// defaultInterval is used when the configured poll interval is missing.
const defaultInterval = 30 * time.Second

// Session owns the poll state for a single mailbox: its cursor progress,
// its in-flight flag, and its connectivity status. One Session runs one
// mailbox; nothing about it is global.
type Session struct {
	mailboxID string
	mailbox   transport.Mailbox
	store     store.Store
	interval  time.Duration
	logger    *zap.Logger

	pokeCh chan struct{}

	mu       sync.Mutex
	status   Status
	inFlight bool
}

// NewSession creates a poll session for one mailbox.
func NewSession(mailboxID string, mb transport.Mailbox, st store.Store, interval time.Duration, logger *zap.Logger) *Session {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Session{
		mailboxID: mailboxID,
		mailbox:   mb,
		store:     st,
		interval:  interval,
		logger:    logger.With(zap.String("mailbox", mailboxID)),
		pokeCh:    make(chan struct{}, 1),
		status:    Status{MailboxID: mailboxID, State: StateIdle},
	}
}

// Run polls until the context is cancelled. An in-flight fetch is
// abandoned on cancellation without advancing the cursor, which is
// indistinguishable from a failed batch and therefore safe.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial poll so a restart catches up immediately.
	s.tryPoll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tryPoll(ctx)
		case <-s.pokeCh:
			s.tryPoll(ctx)
		}
	}
}

// Poke requests an immediate poll on top of the regular schedule.
func (s *Session) Poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

// Status returns the session's current connectivity status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResetAuth clears a suspended auth-error state after the account has
// been reconfigured, so the next tick polls again.
func (s *Session) ResetAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State == StateAuthError {
		s.status.State = StateIdle
		s.status.Err = nil
	}
}

// begin claims the in-flight slot. It fails when a cycle is already
// running or polling is suspended on an auth error.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight || s.status.State == StateAuthError {
		return false
	}
	s.inFlight = true
	s.status.State = StateRunning
	return true
}

// tryPoll starts one poll cycle unless one is already in flight or
// polling is suspended. A tick that arrives mid-cycle is skipped, not
// queued, so cursor updates never overlap.
func (s *Session) tryPoll(ctx context.Context) {
	if !s.begin() {
		return
	}
	go func() {
		s.finish(s.cycle(ctx))
	}()
}

// PollOnce runs a single poll cycle synchronously and reports its
// outcome. It obeys the same single-flight rule as scheduled ticks.
func (s *Session) PollOnce(ctx context.Context) error {
	if !s.begin() {
		return nil
	}
	err := s.cycle(ctx)
	s.finish(err)
	return err
}

// finish records the cycle outcome in the session status.
func (s *Session) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = false
	s.status.Err = err

	switch {
	case err == nil:
		s.status.State = StateIdle
		s.status.LastPoll = time.Now()
	case transport.IsAuthError(err):
		s.status.State = StateAuthError
		s.logger.Error("polling suspended until reconfiguration", zap.Error(err))
	default:
		s.status.State = StateError
		s.logger.Warn("poll cycle failed, retrying on next tick", zap.Error(err))
	}
}

// cycle performs one fetch/parse/persist pass. The cursor is written only
// after the batch commit succeeds; any earlier failure leaves it
// untouched so the next cycle re-fetches the same range, which the
// idempotent upsert absorbs.
func (s *Session) cycle(ctx context.Context) error {
	cursor, err := s.store.ReadCursor(ctx, s.mailboxID)
	if err != nil {
		return err
	}

	items, next, err := s.mailbox.FetchSince(ctx, cursor)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var batch []model.Message
	var malformed int

	for _, item := range items {
		msg, outcome := protocol.Parse(item)
		switch outcome {
		case protocol.OutcomeOK:
			if msg.Type == model.TypeStatus {
				s.applyPresence(ctx, msg)
				continue
			}
			batch = append(batch, *msg)
		case protocol.OutcomeMalformed:
			malformed++
			s.logger.Warn("skipping malformed chat mail",
				zap.Uint32("uid", item.UID),
				zap.String("subject", item.Subject),
			)
		case protocol.OutcomeIgnored:
			// Ordinary inbox traffic.
		}
	}

	if err := s.store.UpsertMessages(ctx, batch); err != nil {
		return err
	}

	if cursor.Advances(next) {
		if err := s.store.WriteCursor(ctx, next); err != nil {
			return err
		}
	}

	s.logger.Debug("poll cycle complete",
		zap.Int("fetched", len(items)),
		zap.Int("persisted", len(batch)),
		zap.Int("malformed", malformed),
		zap.Uint32("cursor_uid", next.LastUID),
	)

	return nil
}

// applyPresence routes a status message to the contact's presence flag.
// Presence is ephemeral and never stored as a chat turn.
func (s *Session) applyPresence(ctx context.Context, msg *model.Message) {
	online := msg.Body != "offline"
	if err := s.store.SetContactPresence(ctx, msg.Sender, online); err != nil {
		s.logger.Warn("updating presence failed",
			zap.String("contact", msg.Sender),
			zap.Error(err),
		)
	}
}
