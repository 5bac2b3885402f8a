package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
)

// MemoryBus implements MessageBus with in-process mailboxes.
type MemoryBus struct {
	config Config
	logger *logging.Logger

	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
	closed    atomic.Bool

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	obsSeq    uint64

	metrics *metrics
}

var _ MessageBus = (*MemoryBus)(nil)

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &MemoryBus{
		config:    cfg,
		logger:    logger.WithComponent("bus"),
		mailboxes: make(map[string]*Mailbox),
		observers: make(map[uint64]Observer),
		metrics:   newMetrics(),
	}
}

// Subscribe returns the mailbox for agentID, creating it on first use.
func (b *MemoryBus) Subscribe(agentID string) (*Mailbox, error) {
	if agentID == "" || agentID == message.Broadcast {
		return nil, errors.InvalidInput("invalid mailbox id " + agentID)
	}
	if b.closed.Load() {
		return nil, errors.Closed("bus")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if mb, ok := b.mailboxes[agentID]; ok {
		return mb, nil
	}

	mb := newMailbox(agentID, b.config.MailboxCapacity)
	mb.expiredHook = func(msg *message.Message) {
		b.metrics.recordExpired()
		b.logger.Expired(msg.ID(), agentID, errors.Expired(msg.ID(), errors.WithAgentID(agentID)))
	}
	b.mailboxes[agentID] = mb
	b.logger.Debug("subscribed", map[string]interface{}{"agent": agentID})
	return mb, nil
}

// Unsubscribe removes the mailbox for agentID.
func (b *MemoryBus) Unsubscribe(agentID string) error {
	b.mu.Lock()
	mb, ok := b.mailboxes[agentID]
	if ok {
		delete(b.mailboxes, agentID)
	}
	b.mu.Unlock()

	if !ok {
		return errors.NotFound("no mailbox for "+agentID, errors.WithAgentID(agentID))
	}

	b.dropQueued(mb)
	b.logger.Debug("unsubscribed", map[string]interface{}{"agent": agentID})
	return nil
}

// Release removes mb if it still owns its agent id.
func (b *MemoryBus) Release(mb *Mailbox) error {
	if mb == nil {
		return errors.InvalidInput("nil mailbox")
	}
	id := mb.AgentID()

	b.mu.Lock()
	owned := b.mailboxes[id] == mb
	if owned {
		delete(b.mailboxes, id)
	}
	b.mu.Unlock()

	if !owned {
		return nil
	}
	b.dropQueued(mb)
	b.logger.Debug("released", map[string]interface{}{"agent": id})
	return nil
}

func (b *MemoryBus) dropQueued(mb *Mailbox) {
	dropped := mb.close()
	if len(dropped) == 0 {
		return
	}
	b.metrics.recordFailed(len(dropped))
	for _, msg := range dropped {
		b.logger.DeliveryFailed(msg.ID(), mb.AgentID(), errors.UnknownRecipient(mb.AgentID()))
	}
}

// Publish routes msg to its recipient's mailbox, or fans it out.
func (b *MemoryBus) Publish(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return errors.InvalidInput("nil message")
	}
	if b.closed.Load() {
		return errors.Closed("bus")
	}

	if msg.IsExpired() {
		b.metrics.recordExpired()
		b.logger.Expired(msg.ID(), msg.Recipient(), errors.Expired(msg.ID(), errors.WithAgentID(msg.Recipient())))
		return nil
	}

	b.notifyObservers(msg)

	if msg.IsBroadcast() {
		return b.broadcast(ctx, msg)
	}

	b.mu.RLock()
	mb, ok := b.mailboxes[msg.Recipient()]
	b.mu.RUnlock()

	if !ok {
		err := errors.UnknownRecipient(msg.Recipient(), errors.WithMessageID(msg.ID()))
		b.metrics.recordFailed(1)
		b.logger.DeliveryFailed(msg.ID(), msg.Recipient(), err)
		return err
	}

	if err := mb.push(ctx, msg); err != nil {
		b.metrics.recordFailed(1)
		b.logger.DeliveryFailed(msg.ID(), msg.Recipient(), err)
		return err
	}

	b.metrics.recordDelivered(msg.Recipient())
	b.logger.Delivered(msg.ID(), string(msg.Type()), msg.Sender(), msg.Recipient())
	return nil
}

// broadcast enqueues a copy into every mailbox except the sender's.
// Mailboxes that disappear mid fan-out are counted as failures; only a
// cancelled context is reported back to the caller.
func (b *MemoryBus) broadcast(ctx context.Context, msg *message.Message) error {
	b.mu.RLock()
	targets := make([]*Mailbox, 0, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		if id != msg.Sender() {
			targets = append(targets, mb)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].AgentID() < targets[j].AgentID()
	})

	delivered := 0
	for _, mb := range targets {
		if err := mb.push(ctx, msg.CopyTo(mb.AgentID())); err != nil {
			b.metrics.recordFailed(1)
			b.logger.DeliveryFailed(msg.ID(), mb.AgentID(), err)
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "broadcast interrupted", errors.WithMessageID(msg.ID()))
			}
			continue
		}
		delivered++
		b.metrics.recordDelivered(mb.AgentID())
	}

	b.logger.Debug("broadcast", map[string]interface{}{
		"id":         msg.ID(),
		"from":       msg.Sender(),
		"recipients": len(targets),
		"delivered":  delivered,
	})
	return nil
}

// Observe registers an observer for every routed message.
func (b *MemoryBus) Observe(fn Observer) func() {
	b.obsMu.Lock()
	b.obsSeq++
	id := b.obsSeq
	b.observers[id] = fn
	b.obsMu.Unlock()

	return func() {
		b.obsMu.Lock()
		delete(b.observers, id)
		b.obsMu.Unlock()
	}
}

func (b *MemoryBus) notifyObservers(msg *message.Message) {
	b.obsMu.RLock()
	observers := make([]Observer, 0, len(b.observers))
	for _, fn := range b.observers {
		observers = append(observers, fn)
	}
	b.obsMu.RUnlock()

	for _, fn := range observers {
		fn(msg)
	}
}

// Subscribers returns the ids that currently own a mailbox, sorted.
func (b *MemoryBus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns delivery counters.
func (b *MemoryBus) Metrics() MetricsSnapshot {
	b.mu.RLock()
	n := len(b.mailboxes)
	b.mu.RUnlock()
	return b.metrics.snapshot(n)
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	mailboxes := b.mailboxes
	b.mailboxes = make(map[string]*Mailbox)
	b.mu.Unlock()

	for _, mb := range mailboxes {
		b.dropQueued(mb)
	}
	return nil
}
