package model

import (
	"slices"
	"time"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusSeen      MessageStatus = "SEEN"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return statusRank[next] > statusRank[s]
}

// MessageType distinguishes user content from system announcements.
type MessageType string

const (
	MessageText MessageType = "text"
	MessageLog  MessageType = "log"
)

// Message represents a persisted chat message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	SeenBy         []string      `json:"seen_by"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SeenByUser reports whether userID is in the message's seenBy set.
func (m *Message) SeenByUser(userID string) bool {
	return slices.Contains(m.SeenBy, userID)
}

// SeenByOthers reports whether someone other than the sender has seen the message.
func (m *Message) SeenByOthers() bool {
	for _, id := range m.SeenBy {
		if id != m.SenderID {
			return true
		}
	}
	return false
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}
