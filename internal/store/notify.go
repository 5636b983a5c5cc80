package store

import (
	"sync"

	"github.com/koabula/E-Chat/internal/model"
)

// EventKind distinguishes store change notifications.
type EventKind string

const (
	EventMessageAdded    EventKind = "message_added"
	EventDeliveryChanged EventKind = "delivery_changed"
	EventPresenceChanged EventKind = "presence_changed"
)

// Event describes one committed change to the store. Events are emitted
// only after the enclosing transaction commits, so a subscriber reading
// back through the store always sees the change the event announces.
type Event struct {
	Kind            EventKind
	ConversationKey string
	MessageID       string
	DeliveryState   model.DeliveryState
	Online          bool
}

// Notifier fans committed store changes out to subscribers. The core
// never holds a reference into the presentation layer; views subscribe
// here and refresh themselves.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its event channel and
// a cancel function. The channel is buffered; a subscriber that stops
// draining loses events rather than blocking writers.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (n *Notifier) Publish(evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}
