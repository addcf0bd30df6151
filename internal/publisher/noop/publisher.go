// Package noop provides a publisher that drops events.
package noop

import "context"

// Publisher discards every event. Used when no event bus is configured.
type Publisher struct{}

// New returns a discarding Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish drops the payload and reports an inert message ID.
func (Publisher) Publish(context.Context, string, any) (string, error) {
	return "noop", nil
}
