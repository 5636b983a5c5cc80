package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
	"github.com/koabula/E-Chat/internal/transport"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// FakeMailbox is a transport.Mailbox backed by an in-memory item list.
// FetchSince returns the items with a UID above the cursor, mimicking the
// IMAP high-water-mark semantics.
type FakeMailbox struct {
	mu       sync.Mutex
	items    []transport.RawMailItem
	fetchErr error
	fetches  int
}

// NewFakeMailbox creates an empty fake mailbox.
func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{}
}

// Deliver appends items to the mailbox.
func (m *FakeMailbox) Deliver(items ...transport.RawMailItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
}

// FailNextFetch makes the next FetchSince call return err.
func (m *FakeMailbox) FailNextFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// Fetches reports how many FetchSince calls have been made.
func (m *FakeMailbox) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// FetchSince implements transport.Mailbox.
func (m *FakeMailbox) FetchSince(_ context.Context, cursor model.PollCursor) ([]transport.RawMailItem, model.PollCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++

	if m.fetchErr != nil {
		err := m.fetchErr
		m.fetchErr = nil
		return nil, cursor, err
	}

	next := cursor
	var out []transport.RawMailItem
	for _, item := range m.items {
		if item.UID <= cursor.LastUID {
			continue
		}
		out = append(out, item)
		if item.UID > next.LastUID {
			next.LastUID = item.UID
		}
		if item.InternalDate.After(next.LastSeen) {
			next.LastSeen = item.InternalDate
		}
	}

	return out, next, nil
}

// FakeSender is a transport.Sender that records sent items and can be told
// to fail.
type FakeSender struct {
	mu      sync.Mutex
	sent    []transport.RawMailItem
	sendErr error
}

// NewFakeSender creates a fake sender.
func NewFakeSender() *FakeSender {
	return &FakeSender{}
}

// FailNextSend makes the next Send call return err.
func (s *FakeSender) FailNextSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of all items sent so far.
func (s *FakeSender) Sent() []transport.RawMailItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.RawMailItem, len(s.sent))
	copy(out, s.sent)
	return out
}

// Send implements transport.Sender.
func (s *FakeSender) Send(_ context.Context, item transport.RawMailItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		err := s.sendErr
		s.sendErr = nil
		return err
	}

	s.sent = append(s.sent, item)
	return nil
}
