package model

import "time"

// Contact is the identity a conversation is keyed on.
type Contact struct {
	// Email is the canonical address (lowercased addr-spec) and the
	// unique key within the store.
	Email string `json:"email"`

	// Nickname is the display name shown for the contact.
	Nickname string `json:"nickname"`

	// Blocked contacts are kept but hidden from the default list.
	Blocked bool `json:"blocked"`

	// Online reflects the most recent presence status message.
	Online bool `json:"online"`

	// UnreadCount is the number of inbound messages not yet read.
	UnreadCount int `json:"unread_count"`

	// LastMessageAt and LastMessagePreview summarize the newest message
	// for chat-list ordering.
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
