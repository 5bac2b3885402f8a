package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
)

// Broadcaster publishes periodic heartbeats to every mailbox.
type Broadcaster struct {
	bus      bus.MessageBus
	id       string
	interval time.Duration
	logger   *logging.Logger

	seq     atomic.Int64
	acks    atomic.Int64
	running atomic.Bool
	mailbox *bus.Mailbox
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBroadcaster creates a heartbeat broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultBroadcasterConfig()
	if cfg.ID == "" {
		cfg.ID = defaults.ID
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Broadcaster{
		bus:      cfg.Bus,
		id:       cfg.ID,
		interval: cfg.Interval,
		logger:   logger.WithComponent("heartbeat"),
	}, nil
}

// ID returns the broadcaster's sender id.
func (b *Broadcaster) ID() string { return b.id }

// Sent returns the number of heartbeats published.
func (b *Broadcaster) Sent() int64 { return b.seq.Load() }

// Acks returns the number of heartbeat replies received.
func (b *Broadcaster) Acks() int64 { return b.acks.Load() }

// Start subscribes the broadcaster's mailbox and begins publishing.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return ErrAlreadyStarted
	}

	mb, err := b.bus.Subscribe(b.id)
	if err != nil {
		b.running.Store(false)
		return err
	}
	if err := mb.Claim(); err != nil {
		b.running.Store(false)
		return err
	}
	b.mailbox = mb
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go b.run(ctx)
	go b.drain()
	return nil
}

// run is the broadcast loop.
func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.doneCh)

	// Send initial heartbeat immediately
	b.Beat(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Beat(ctx)
		}
	}
}

// Beat publishes one heartbeat now. The heartbeat expires after one
// interval so a backed-up mailbox never handles stale beats.
func (b *Broadcaster) Beat(ctx context.Context) error {
	seq := b.seq.Add(1)
	now := time.Now().UTC()
	msg, err := message.New(b.id, message.Broadcast, message.TypeHeartbeat,
		message.Payload{KeySequence: seq, KeyTimestamp: now.Format(time.RFC3339Nano)},
		message.WithPriority(message.PriorityCritical),
		message.WithTTL(b.interval))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.interval)
	defer cancel()
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.logger.Warn("heartbeat publish failed", map[string]interface{}{
			"seq":   seq,
			"error": err,
		})
		return err
	}
	b.logger.Debug("heartbeat", map[string]interface{}{"seq": seq})
	return nil
}

// drain consumes heartbeat replies until the mailbox closes. The monitor
// sees them through the bus observer; here they are only counted.
func (b *Broadcaster) drain() {
	for {
		msg, err := b.mailbox.Receive(context.Background())
		if err != nil {
			return
		}
		if msg.Type() == message.TypeResponse && msg.Sender() != b.id {
			b.acks.Add(1)
		}
	}
}

// Stop stops broadcasting and releases the mailbox.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrNotStarted
	}
	close(b.stopCh)

	var err error
	select {
	case <-b.doneCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if uerr := b.bus.Release(b.mailbox); uerr != nil {
		b.logger.Debug("unsubscribe", map[string]interface{}{"error": uerr})
	}
	return err
}
