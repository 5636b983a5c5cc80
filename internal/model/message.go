package model

import "time"

// Direction indicates whether a message was received or authored locally.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType identifies the kind of chat payload a message carries.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeFile   MessageType = "file"
	TypeStatus MessageType = "status"
)

// DeliveryState tracks the transport lifecycle of an outbound message.
// Inbound messages are stored as DeliveryDelivered.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// deliveryRank orders states along the forward-only progression.
var deliveryRank = map[DeliveryState]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
}

// CanTransition reports whether a delivery state may move from one value
// to another. Allowed moves are forward along
// pending -> sent -> delivered, or from pending/sent to failed.
// Everything else, including any backward move, is rejected.
func CanTransition(from, to DeliveryState) bool {
	if from == to {
		return false
	}
	if to == DeliveryFailed {
		return from == DeliveryPending || from == DeliverySent
	}
	fromRank, okFrom := deliveryRank[from]
	toRank, okTo := deliveryRank[to]
	return okFrom && okTo && toRank > fromRank
}

// Message is one chat turn, inbound or outbound.
type Message struct {
	// ID is the globally unique message identifier. For inbound messages
	// it derives from the wire message id; for outbound messages it is
	// generated locally before the mail is ever sent.
	ID string `json:"id"`

	// ConversationKey is the canonical address of the contact this
	// message belongs to.
	ConversationKey string `json:"conversation_key"`

	// Direction is inbound or outbound.
	Direction Direction `json:"direction"`

	// Type is the chat payload kind (text, file, status).
	Type MessageType `json:"type"`

	// Sender and Recipient are canonical addresses from the wire payload.
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Body is the chat text payload.
	Body string `json:"body"`

	// AttachmentName and AttachmentSize describe the file payload for
	// file messages.
	AttachmentName string `json:"attachment_name,omitempty"`
	AttachmentSize int64  `json:"attachment_size,omitempty"`

	// SentAt is the sender-asserted send time; it is the primary
	// conversation ordering key.
	SentAt time.Time `json:"sent_at"`

	// ReceivedAt is the local arrival time, used for poll bookkeeping.
	ReceivedAt time.Time `json:"received_at"`

	// DeliveryState tracks the transport lifecycle.
	DeliveryState DeliveryState `json:"delivery_state"`

	// ReplyTo optionally references the message this one answers,
	// used to thread replies into the right conversation.
	ReplyTo string `json:"reply_to,omitempty"`

	// Read reports whether the local user has seen this message.
	Read bool `json:"read"`
}

// OrderingBefore reports whether m sorts before other in a conversation.
// Ties on the logical timestamp are broken by message ID so the order is
// deterministic even when timestamps collide or are absent.
func (m Message) OrderingBefore(other Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID < other.ID
}
