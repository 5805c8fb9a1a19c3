package audit

import "context"

// Store persists and retrieves audit events.
type Store interface {
	// Append persists one or more events atomically.
	Append(ctx context.Context, events ...Event) error
	// ListByRef returns all events for a reference, oldest first.
	ListByRef(ctx context.Context, refID string) ([]Event, error)
	// ListByType returns events filtered by type.
	ListByType(ctx context.Context, eventType Type) ([]Event, error)
}
