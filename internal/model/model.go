// Package model holds the durable record types of the conversation core:
// users, conversations, their participants, and messages.
package model

import "time"

// MessageStatus is the delivery state of a message.
type MessageStatus string

// Message status values. Only StatusSent and StatusRead are driven by the
// core; StatusPending and StatusDelivered are reserved.
const (
	StatusPending   MessageStatus = "PENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead:
		return true
	}
	return false
}

// User is the profile slice of an account that the chat core reads.
type User struct {
	ID     string  `db:"id"`
	Name   string  `db:"name"`
	Email  string  `db:"email"`
	Avatar *string `db:"avatar"` // stored avatar filename, nil if unset
}

// Conversation is a pairwise conversation. PairLow/PairHigh hold the two
// participant ids in sorted order and form the dedup key.
type Conversation struct {
	ID        string    `db:"id"`
	PairLow   string    `db:"pair_low"`
	PairHigh  string    `db:"pair_high"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Opponent returns the participant id that is not userID.
func (c *Conversation) Opponent(userID string) string {
	if userID == c.PairLow {
		return c.PairHigh
	}
	if userID == c.PairHigh {
		return c.PairLow
	}
	return ""
}

// Has reports whether userID is one of the pair.
func (c *Conversation) Has(userID string) bool {
	return userID == c.PairLow || userID == c.PairHigh
}

// Participant binds a user to a conversation with an independent read cursor.
type Participant struct {
	ConversationID string     `db:"conversation_id"`
	UserID         string     `db:"user_id"`
	LastReadAt     *time.Time `db:"last_read_at"`
	JoinedAt       time.Time  `db:"joined_at"`
}

// ReadCursor returns LastReadAt, treating an unset cursor as the Unix epoch.
func (p *Participant) ReadCursor() time.Time {
	if p.LastReadAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *p.LastReadAt
}

// Message is one entry of a conversation's durable log. Seq is the store's
// insertion sequence and breaks CreatedAt ties.
type Message struct {
	ID             string        `db:"id"`
	Seq            int64         `db:"seq"`
	ConversationID string        `db:"conversation_id"`
	SenderID       string        `db:"sender_id"`
	Text           *string       `db:"text"`
	Attachments    []string      `db:"-"`
	Status         MessageStatus `db:"status"`
	CreatedAt      time.Time     `db:"created_at"`
}

// Before reports whether m sorts before o in conversation order.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.Seq < o.Seq
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// SortPair returns a and b in ascending order.
func SortPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}
