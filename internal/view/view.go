// Package view holds the denormalized result shapes returned by the chat
// operations. Every optional field is a typed pointer.
package view

import (
	"math"
	"time"

	"github.com/parley/chat-core/internal/model"
)

// Resolver turns stored blob names into client URLs.
type Resolver interface {
	URL(stored string) string
	AvatarURL(stored string) string
}

type Profile struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	AvatarURL *string `json:"avatar_url"`
}

// NewProfile builds a profile for id. u may be nil when the account is not
// known to the record store; only the id is filled then.
func NewProfile(id string, u *model.User, r Resolver) Profile {
	p := Profile{ID: id}
	if u == nil {
		return p
	}
	p.Name, p.Email = u.Name, u.Email
	if u.Avatar != nil && *u.Avatar != "" {
		url := r.AvatarURL(*u.Avatar)
		p.AvatarURL = &url
	}
	return p
}

type Participant struct {
	User       Profile    `json:"user"`
	LastReadAt *time.Time `json:"last_read_at"`
	JoinedAt   time.Time  `json:"joined_at"`
}

// Message is a message as clients see it, attachments resolved to URLs.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	Sender         *Profile            `json:"sender,omitempty"`
	Text           *string             `json:"text"`
	Attachments    []string            `json:"attachments"`
	Status         model.MessageStatus `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
}

// NewMessage resolves attachment names to URLs. sender may be nil for the
// lighter payloads that omit the sender profile.
func NewMessage(m *model.Message, sender *Profile, r Resolver) Message {
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		urls = append(urls, r.URL(a))
	}
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Sender:         sender,
		Text:           m.Text,
		Attachments:    urls,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

type Conversation struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants"`
}

type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

type Opponent struct {
	Profile
	Online bool `json:"online"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ID          string    `json:"id"`
	UpdatedAt   time.Time `json:"updated_at"`
	Opponent    Opponent  `json:"opponent"`
	LastMessage *Message  `json:"last_message"`
}

type Pagination struct {
	Total       int  `json:"total"`
	Page        int  `json:"page"`
	PerPage     int  `json:"per_page"`
	TotalPages  int  `json:"total_pages"`
	HasNextPage bool `json:"has_next_page"`
	HasPrevPage bool `json:"has_prev_page"`
}

// NewPagination derives page counts from a total. A zero total has no pages.
func NewPagination(total, page, perPage int) Pagination {
	pages := 0
	if perPage > 0 {
		pages = int(math.Ceil(float64(total) / float64(perPage)))
	}
	return Pagination{
		Total:       total,
		Page:        page,
		PerPage:     perPage,
		TotalPages:  pages,
		HasNextPage: page < pages,
		HasPrevPage: page > 1,
	}
}

type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Receiver   *Profile   `json:"receiver"`
	Pagination Pagination `json:"pagination"`
}

type Unread struct {
	Count    int       `json:"count"`
	Messages []Message `json:"messages"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	Marked         int64     `json:"marked"`
	LastReadAt     time.Time `json:"last_read_at"`
}
