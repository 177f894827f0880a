// Package store persists a tenant's users, conversations, participants and
// messages.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/chat-delivery/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the document store of a single tenant.
type Store interface {
	// EnsureUsers returns the user record of every external id, creating the
	// missing ones. The result follows the input order.
	EnsureUsers(ctx context.Context, externalIDs []string) ([]model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)

	CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	// ListConversationIDs returns the conversations a user record takes part
	// in, oldest first.
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)

	ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error)
	AddParticipants(ctx context.Context, participants []model.Participant) error
	DeleteParticipant(ctx context.Context, participant model.Participant) error

	// InsertMessage stores msg and moves the seen marker of every user in its
	// seenBy set onto it.
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// LatestMessage returns ErrNotFound for a conversation without messages.
	LatestMessage(ctx context.Context, conversationID string) (*model.Message, error)
	// ListMessages pages through a conversation newest first, starting after
	// the message with id before when it is set.
	ListMessages(ctx context.Context, conversationID, before string, limit int) ([]model.Message, bool, error)
	// ScanMessages visits messages newest first until fn returns false.
	ScanMessages(ctx context.Context, conversationID string, fn func(model.Message) bool) error
	// AdvanceStatus moves a message forward to status. It reports whether the
	// status changed; moving backwards is a no-op.
	AdvanceStatus(ctx context.Context, messageID string, status model.MessageStatus) (*model.Message, bool, error)
	// PullSeenBy removes userID's seen marker from whichever message of the
	// conversation holds it, unless that is exceptMessageID, and returns how
	// many messages changed.
	PullSeenBy(ctx context.Context, conversationID, userID, exceptMessageID string) (int, error)
	// AddSeenBy adds userID to the seenBy set of a message and records it as
	// the holder of userID's seen marker.
	AddSeenBy(ctx context.Context, messageID, userID string) (*model.Message, error)

	Close() error
}

// Transactor is implemented by stores that can run several operations
// atomically. fn may be called more than once on write conflicts.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
