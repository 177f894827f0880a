// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// ConversationType distinguishes one-to-one threads from groups.
type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation represents a persistent chat thread.
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name,omitempty"`
	CreatedBy      string           `json:"created_by"`
	ParticipantIDs []string         `json:"participant_ids"`
	LastMessage    string           `json:"last_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// IsGroup reports whether the conversation is a group conversation.
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// TypeForSize returns the conversation type implied by a participant count at
// creation time.
func TypeForSize(n int) ConversationType {
	if n > 2 {
		return ConversationGroup
	}
	return ConversationPrivate
}

// Participant links a conversation to a user record. It has its own identity
// so it can be deleted without touching either side.
type Participant struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResolvedParticipant is a participant record joined with its user.
type ResolvedParticipant struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	User          User   `json:"user"`
}

// User is a chat identity known to a tenant.
type User struct {
	ID             string    `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationSummary is the reconcile view a reconnecting client reads.
type ConversationSummary struct {
	Conversation       Conversation `json:"conversation"`
	ParticipantUserIDs []string     `json:"participant_user_ids"`
	LatestMessage      *Message     `json:"latest_message,omitempty"`
	UnreadCount        int          `json:"unread_count"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ListParticipantsResponse is the response for listing participants.
type ListParticipantsResponse struct {
	Participants []ResolvedParticipant `json:"participants"`
}
