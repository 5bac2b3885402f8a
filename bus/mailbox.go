package bus

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
)

// Mailbox is an agent's inbound queue. Messages are dequeued by priority
// tier first and by arrival order within a tier.
type Mailbox struct {
	agentID  string
	capacity int

	mu       sync.Mutex
	queue    queue
	arrivals uint64
	closed   bool
	claimed  atomic.Bool

	// expiredHook is told about messages discarded at dequeue time.
	expiredHook func(*message.Message)

	// ready is signalled (non-blocking) whenever a message is pushed;
	// space is signalled whenever one is popped.
	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newMailbox(agentID string, capacity int) *Mailbox {
	return &Mailbox{
		agentID:  agentID,
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// AgentID returns the owner of the mailbox.
func (mb *Mailbox) AgentID() string {
	return mb.agentID
}

// Claim marks the mailbox as consumed by a single owner. A second claim
// fails with REGISTRATION_CONFLICT; the claim ends when the mailbox is
// unsubscribed or released.
func (mb *Mailbox) Claim() error {
	if !mb.claimed.CompareAndSwap(false, true) {
		return errors.RegistrationConflict(mb.agentID,
			errors.WithAgentID(mb.agentID),
			errors.WithMetadata("reason", "mailbox already consumed"))
	}
	return nil
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.queue.Len()
}

// Done is closed when the mailbox is unsubscribed.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// push enqueues msg, waiting while the mailbox is full.
func (mb *Mailbox) push(ctx context.Context, msg *message.Message) error {
	for {
		mb.mu.Lock()
		if mb.closed {
			mb.mu.Unlock()
			return errors.UnknownRecipient(mb.agentID, errors.WithMessageID(msg.ID()))
		}
		if mb.capacity <= 0 || mb.queue.Len() < mb.capacity {
			mb.arrivals++
			heap.Push(&mb.queue, &entry{msg: msg, arrival: mb.arrivals})
			roomLeft := mb.capacity <= 0 || mb.queue.Len() < mb.capacity
			mb.mu.Unlock()
			signal(mb.ready)
			if roomLeft {
				// Pass the wakeup on to the next blocked publisher.
				signal(mb.space)
			}
			return nil
		}
		mb.mu.Unlock()

		select {
		case <-mb.space:
		case <-mb.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for mailbox space", errors.WithAgentID(mb.agentID))
		}
	}
}

// Receive blocks until a message is available, the mailbox is closed, or
// ctx is done. A done ctx wins over queued messages. Expired messages are
// discarded here and reported through expiredHook so they never reach a
// handler.
func (mb *Mailbox) Receive(ctx context.Context) (*message.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok, err := mb.tryPop()
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		select {
		case <-mb.ready:
		case <-mb.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive returns the next message without blocking.
func (mb *Mailbox) TryReceive() (*message.Message, bool) {
	msg, ok, _ := mb.tryPop()
	return msg, ok
}

func (mb *Mailbox) tryPop() (*message.Message, bool, error) {
	mb.mu.Lock()
	for mb.queue.Len() > 0 {
		e := heap.Pop(&mb.queue).(*entry)
		if e.msg.IsExpired() {
			onExpired := mb.expiredHook
			mb.mu.Unlock()
			signal(mb.space)
			if onExpired != nil {
				onExpired(e.msg)
			}
			mb.mu.Lock()
			continue
		}
		more := mb.queue.Len() > 0
		mb.mu.Unlock()
		signal(mb.space)
		if more {
			signal(mb.ready)
		}
		return e.msg, true, nil
	}
	closed := mb.closed
	mb.mu.Unlock()

	if closed {
		return nil, false, errors.Closed("mailbox "+mb.agentID, errors.WithAgentID(mb.agentID))
	}
	return nil, false, nil
}

// close marks the mailbox closed and returns whatever was still queued.
func (mb *Mailbox) close() []*message.Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil
	}
	mb.closed = true
	close(mb.done)

	dropped := make([]*message.Message, 0, mb.queue.Len())
	for mb.queue.Len() > 0 {
		dropped = append(dropped, heap.Pop(&mb.queue).(*entry).msg)
	}
	return dropped
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

type entry struct {
	msg     *message.Message
	arrival uint64
}

// queue is a min-heap ordered by (priority, arrival).
type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].msg.Priority() != q[j].msg.Priority() {
		return q[i].msg.Priority() < q[j].msg.Priority()
	}
	return q[i].arrival < q[j].arrival
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
