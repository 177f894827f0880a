//go:generate go run go.uber.org/mock/mockgen -source=journal.go -destination=../mocks/mock_publisher.go -package=mocks
package service

import (
	"context"

	"github.com/capitalize-ai/chat-delivery/internal/model"
)

// Publisher appends chat events to a tenant's event journal.
type Publisher interface {
	Publish(ctx context.Context, event *model.JournalEvent) error
}

// NopPublisher drops every event. It is used when no journal is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *model.JournalEvent) error {
	return nil
}
