//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_sink.go -package=mocks
// Package registry tracks which live session currently represents each user
// of a tenant.
package registry

import (
	"sync"

	"github.com/capitalize-ai/chat-delivery/internal/model"
)

// Sink delivers outbound events to one live session. Emit must not block; an
// error means the event was not queued for that session.
type Sink interface {
	Emit(event model.Event) error
}

type binding struct {
	connectionID string
	sink         Sink
}

// Registry is a bidirectional map between user ids and live connections.
// Forward lookups resolve the most recently registered connection of a user.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]binding
	byConn map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]binding),
		byConn: make(map[string]string),
	}
}

// Register binds userID to connectionID. A later registration for the same
// user replaces the forward entry; the older connection keeps its reverse
// entry until it is removed.
func (r *Registry) Register(userID, connectionID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connectionID]; ok && prev != userID {
		if b, ok := r.byUser[prev]; ok && b.connectionID == connectionID {
			delete(r.byUser, prev)
		}
	}
	r.byUser[userID] = binding{connectionID: connectionID, sink: sink}
	r.byConn[connectionID] = userID
}

// LookupByUser returns the sink of the user's current connection.
func (r *Registry) LookupByUser(userID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return b.sink, true
}

// LookupUser returns the user bound to connectionID.
func (r *Registry) LookupUser(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byConn[connectionID]
	return userID, ok
}

// Remove unbinds connectionID. The user's forward entry is dropped only if it
// still points at this connection.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)
	if b, ok := r.byUser[userID]; ok && b.connectionID == connectionID {
		delete(r.byUser, userID)
	}
}

// Len returns the number of reachable users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
