// Package bus routes messages between in-process agents.
//
// # Overview
//
// Every agent owns one Mailbox obtained from Subscribe. Publish resolves the
// recipient to its mailbox and enqueues the message; the owning runtime
// drains it with Receive. There is no subject matching: the recipient id is
// the address.
//
// # Ownership
//
// Subscribe is idempotent, so the mailbox for an id is shared by whoever
// asks. A consumer calls Claim to become its only reader, and Release to
// give it up; Release is a no-op once the id has moved to a newer mailbox.
//
// # Delivery order
//
// Within a mailbox, messages leave in priority order (critical, high,
// normal, low) and in arrival order within a priority tier. Nothing is
// promised across mailboxes.
//
// # Broadcast
//
// A message addressed to message.Broadcast is copied into every mailbox
// except the sender's. Copies keep the original id so receivers can
// correlate them.
//
// # Expiry
//
// A message whose expiry has passed is dropped at publish time, and again
// at dequeue time if it expired while queued. Expired messages count in
// Metrics().Expired and never reach a handler.
//
// # Backpressure
//
// Mailboxes are bounded by Config.MailboxCapacity. Publish waits for space
// until its context is done:
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	mb, _ := b.Subscribe("analyzer")
//	_ = b.Publish(ctx, msg)
//	next, err := mb.Receive(ctx)
package bus
