package model

import (
	"time"
)

// EventName names a real-time event in either direction.
type EventName string

// Inbound events.
const (
	EventInit               EventName = "init"
	EventCreateConversation EventName = "createConversation"
	EventSendMessage        EventName = "sendMessage"
	EventSeenMessage        EventName = "seenMessage"
	EventAddParticipants    EventName = "addParticipants"
	EventLeaveConversation  EventName = "leaveConversation"
	EventRemoveParticipant  EventName = "removeParticipant"
	EventRenameConversation EventName = "renameConversation"
)

// Outbound events.
const (
	EventMessage          EventName = "message"
	EventStatusUpdate     EventName = "statusUpdate"
	EventConversationInfo EventName = "conversationInfo"
	EventLogMessage       EventName = "logMessage"
	EventError            EventName = "error"
	EventWarning          EventName = "warning"
)

// Event is an outbound event addressed to one session.
type Event struct {
	Name      EventName
	RequestID string
	Payload   any
}

// MessagePayload is pushed to recipients of a new message.
type MessagePayload struct {
	MessageID          string    `json:"messageId"`
	Content            string    `json:"content"`
	SenderUserID       string    `json:"senderUserId"`
	ConversationID     string    `json:"conversationId"`
	CreatedAt          time.Time `json:"createdAt"`
	IsFirstMessage     bool      `json:"isFirstMessage"`
	IsGroup            bool      `json:"isGroup"`
	ParticipantUserIDs []string  `json:"participantUserIds"`
}

// StatusUpdatePayload reports a message's current delivery state.
type StatusUpdatePayload struct {
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId"`
	Status         MessageStatus `json:"status"`
	SeenBy         []string      `json:"seenBy"`
	IsGroup        bool          `json:"isGroup"`
}

// ConversationInfoPayload answers a createConversation request.
type ConversationInfoPayload struct {
	ConversationID string `json:"conversationId"`
}

// LogMessagePayload announces an administrative change to a group.
type LogMessagePayload struct {
	MessageID          string    `json:"messageId"`
	ConversationID     string    `json:"conversationId"`
	ActorUserID        string    `json:"actorUserId"`
	Content            string    `json:"content"`
	Name               string    `json:"name,omitempty"`
	ParticipantUserIDs []string  `json:"participantUserIds"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ErrorPayload reports a failed request.
type ErrorPayload struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// JournalEventType names an entry in the tenant event journal.
type JournalEventType string

const (
	JournalConversationCreated JournalEventType = "conversation_created"
	JournalMessageSent         JournalEventType = "message_sent"
	JournalStatusChanged       JournalEventType = "status_changed"
	JournalParticipantsChanged JournalEventType = "participants_changed"
	JournalConversationRenamed JournalEventType = "conversation_renamed"
)

// JournalEvent is an append-only record of something that changed in a
// tenant's store.
type JournalEvent struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	ConversationID string           `json:"conversation_id"`
	Type           JournalEventType `json:"type"`
	ActorUserID    string           `json:"actor_user_id,omitempty"`
	MessageID      string           `json:"message_id,omitempty"`
	Status         MessageStatus    `json:"status,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Sequence       uint64           `json:"sequence,omitempty"`
}

// ListEventsResponse is the response for reading a conversation's journal.
type ListEventsResponse struct {
	Events       []JournalEvent `json:"events"`
	LastSequence uint64         `json:"last_sequence"`
	HasMore      bool           `json:"has_more"`
}
