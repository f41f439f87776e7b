// Package bus is the event fabric between flowd and its sibling services:
// lifecycle events fan out as publishes, node dispatch (actions, database
// operations) uses request/reply.
package bus

import (
	"context"
	"time"
)

// Handler consumes a message and optionally produces a reply payload.
// The reply is only used for request/reply subjects.
type Handler func(ctx context.Context, subject string, data []byte) ([]byte, error)

// Bus abstracts the event fabric. Implementations: NATS for deployment,
// in-memory for tests and single-process mode. Delivery is at-least-once;
// consumers are expected to be idempotent.
type Bus interface {
	// Publish sends payload (JSON-marshalled) to subject, fire and forget.
	Publish(ctx context.Context, subject string, payload any) error

	// Request sends payload to subject and waits up to timeout for a reply.
	Request(ctx context.Context, subject string, payload any, timeout time.Duration) ([]byte, error)

	// Subscribe registers a handler for a subject pattern. Patterns follow
	// NATS semantics: "*" matches one token, ">" matches the rest.
	// The returned function removes the subscription.
	Subscribe(subject string, handler Handler) (func(), error)

	Close() error
}
