// Package bus routes messages between in-process agents.
//
// Every agent owns one Mailbox obtained from Subscribe. Publish resolves the
// recipient to its mailbox (or, for message.Broadcast, to every mailbox but
// the sender's) and enqueues the message. Within a mailbox delivery order is
// priority-major, arrival-order-minor.
package bus

import (
	"context"
	"time"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
)

// MessageBus provides mailbox-based delivery between agents.
type MessageBus interface {
	// Subscribe returns the mailbox for agentID, creating it if needed.
	Subscribe(agentID string) (*Mailbox, error)

	// Unsubscribe removes the mailbox. Messages still queued are dropped
	// and counted as failed deliveries.
	Unsubscribe(agentID string) error

	// Release unsubscribes mb only while it is still the mailbox held for
	// its agent id. A mailbox already replaced or removed is a no-op.
	Release(mb *Mailbox) error

	// Publish routes msg. Expired messages are dropped silently. A direct
	// message to an id with no mailbox returns an UNKNOWN_RECIPIENT error.
	// Publish waits while the target mailbox is full.
	Publish(ctx context.Context, msg *message.Message) error

	// Observe registers fn to see every message accepted for routing.
	// The returned function removes the observer.
	Observe(fn Observer) (remove func())

	// Metrics returns delivery counters.
	Metrics() MetricsSnapshot

	// Close drops all mailboxes and rejects further use.
	Close() error
}

// Observer is called synchronously from Publish for every non-expired
// message, before it is routed. Observers must not block.
type Observer func(msg *message.Message)

// Config holds bus configuration.
type Config struct {
	// MailboxCapacity bounds each mailbox. Zero or less means unbounded.
	// Default: 1024
	MailboxCapacity int

	// Logger receives delivery events. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MailboxCapacity: 1024,
	}
}

// PublishWithRetry publishes msg, retrying retryable failures and unknown
// recipients (an agent may be mid hot-swap) while msg.CanRetry() allows.
// Each retry publishes a copy with the retry count incremented. An expired
// message is dropped by Publish on whichever attempt notices, never delivered.
func PublishWithRetry(ctx context.Context, b MessageBus, msg *message.Message, backoff time.Duration) error {
	for {
		err := b.Publish(ctx, msg)
		if err == nil {
			return nil
		}
		retryable := errors.IsRetryable(err) || errors.Is(err, errors.ErrCodeUnknownRecipient)
		if !retryable || !msg.CanRetry() {
			return err
		}

		msg = msg.WithRetry()
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retrying publish", errors.WithMessageID(msg.ID()))
		case <-time.After(backoff):
		}
	}
}
