// Package notify is the outbound notification seam. Delivery internals are
// a collaborator concern; the engine only ever calls Notifier and treats
// failures as non-fatal.
package notify

import "context"

// Notifier delivers a short human-readable message to the configured
// destination.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop is a Notifier that discards all messages.
type Noop struct{}

// Notify discards the message.
func (Noop) Notify(context.Context, string) error { return nil }
