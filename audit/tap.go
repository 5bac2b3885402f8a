package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
)

// TapConfig configures a Tap.
type TapConfig struct {
	// Bus is observed (required).
	Bus bus.MessageBus

	// Sink receives the records (required).
	Sink Sink

	// Buffer is the number of records queued between the bus and the sink.
	// Default: 256
	Buffer int

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c TapConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidInput("audit tap bus is required")
	}
	if c.Sink == nil {
		return errors.InvalidInput("audit tap sink is required")
	}
	if c.Buffer < 0 {
		return errors.InvalidInput("audit buffer must not be negative")
	}
	return nil
}

// TapStats counts records.
type TapStats struct {
	Written int64
	Dropped int64
	Errors  int64
}

// Tap copies every routed message to a Sink.
type Tap struct {
	bus    bus.MessageBus
	sink   Sink
	logger *logging.Logger

	queue chan *message.Message

	// mu guards queue closure against observers still running inside a
	// Publish that began before Stop.
	mu      sync.RWMutex
	remove  func()
	stopped bool
	doneCh  chan struct{}

	written, dropped, failed atomic.Int64
}

// NewTap creates a tap. It observes nothing until Start.
func NewTap(cfg TapConfig) (*Tap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Buffer == 0 {
		cfg.Buffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tap{
		bus:    cfg.Bus,
		sink:   cfg.Sink,
		logger: logger.WithComponent("audit"),
		queue:  make(chan *message.Message, cfg.Buffer),
		doneCh: make(chan struct{}),
	}, nil
}

// Start registers the bus observer and the writer.
func (t *Tap) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remove != nil || t.stopped {
		return errors.InvalidInput("audit tap already started")
	}
	t.remove = t.bus.Observe(t.observe)
	go t.run()
	return nil
}

func (t *Tap) observe(msg *message.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopped {
		return
	}
	select {
	case t.queue <- msg:
	default:
		t.dropped.Add(1)
	}
}

func (t *Tap) run() {
	defer close(t.doneCh)
	for msg := range t.queue {
		if err := t.sink.Write(context.Background(), msg); err != nil {
			t.failed.Add(1)
			t.logger.Warn("audit write failed", map[string]interface{}{
				"id":    msg.ID(),
				"error": err,
			})
			continue
		}
		t.written.Add(1)
	}
}

// Stop detaches from the bus, writes what is still queued and closes the
// sink. A tap that was never started just closes its sink.
func (t *Tap) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	if t.remove == nil {
		// Never started: only the sink needs releasing.
		t.stopped = true
		t.mu.Unlock()
		return t.sink.Close()
	}
	t.stopped = true
	t.remove()
	close(t.queue)
	t.mu.Unlock()

	select {
	case <-t.doneCh:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "audit flush")
	}
	return t.sink.Close()
}

// Stats returns record counters.
func (t *Tap) Stats() TapStats {
	return TapStats{
		Written: t.written.Load(),
		Dropped: t.dropped.Load(),
		Errors:  t.failed.Load(),
	}
}
