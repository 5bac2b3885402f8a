package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
)

// Monitor tracks when each registered agent was last heard from and
// classifies it by silence.
type Monitor struct {
	bus             bus.MessageBus
	registry        Tracker
	idleAfter       time.Duration
	disconnectAfter time.Duration
	checkInterval   time.Duration
	now             func() time.Time
	logger          *logging.Logger

	mu        sync.RWMutex
	lastSeen  map[string]time.Time
	liveness  map[string]Liveness // last classification acted on
	changeCBs []func(id string, from, to Liveness)

	running        atomic.Bool
	removeObserver func()
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// Status is one agent's liveness snapshot.
type Status struct {
	ID       string        `json:"id"`
	Liveness Liveness      `json:"liveness"`
	LastSeen time.Time     `json:"last_seen"`
	Silence  time.Duration `json:"silence"`
}

// NewMonitor creates a liveness monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultMonitorConfig()
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = defaults.IdleAfter
	}
	if cfg.DisconnectAfter <= 0 {
		cfg.DisconnectAfter = defaults.DisconnectAfter
	}
	if cfg.DisconnectAfter <= cfg.IdleAfter {
		return nil, errors.InvalidInput("disconnect threshold must exceed idle threshold")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Monitor{
		bus:             cfg.Bus,
		registry:        cfg.Registry,
		idleAfter:       cfg.IdleAfter,
		disconnectAfter: cfg.DisconnectAfter,
		checkInterval:   cfg.CheckInterval,
		now:             now,
		logger:          logger.WithComponent("liveness"),
		lastSeen:        make(map[string]time.Time),
		liveness:        make(map[string]Liveness),
	}, nil
}

// Start begins tracking registered agents and observing bus traffic.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	events, err := m.registry.Watch()
	if err != nil {
		m.running.Store(false)
		return err
	}
	for _, rec := range m.registry.List(nil) {
		m.track(rec)
	}
	m.removeObserver = m.bus.Observe(m.observe)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx, events)
	return nil
}

// run applies registry events and periodically classifies agents.
func (m *Monitor) run(ctx context.Context, events <-chan registry.Event) {
	defer close(m.doneCh)

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.apply(ev)
		case <-checkTicker.C:
			m.Check()
		}
	}
}

func (m *Monitor) apply(ev registry.Event) {
	switch ev.Type {
	case registry.EventAdded, registry.EventReplaced:
		m.track(ev.Agent)
	case registry.EventRemoved:
		m.mu.Lock()
		delete(m.lastSeen, ev.Agent.ID)
		delete(m.liveness, ev.Agent.ID)
		m.mu.Unlock()
	}
}

// track starts the silence clock for rec at its registration, or at its
// last recorded traffic if that is later.
func (m *Monitor) track(rec registry.AgentRecord) {
	seen := rec.RegisteredAt
	if rec.LastSeen.After(seen) {
		seen = rec.LastSeen
	}
	if seen.IsZero() {
		seen = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.lastSeen[rec.ID]; !ok || seen.After(cur) {
		m.lastSeen[rec.ID] = seen
	}
	if _, ok := m.liveness[rec.ID]; !ok {
		m.liveness[rec.ID] = Connected
	}
}

// observe runs inside Publish for every routed message.
func (m *Monitor) observe(msg *message.Message) {
	id := msg.Sender()
	at := m.now()

	m.mu.Lock()
	_, tracked := m.lastSeen[id]
	if tracked {
		m.lastSeen[id] = at
	}
	m.mu.Unlock()

	if tracked {
		m.registry.Touch(id, at)
	}
}

// Check classifies every tracked agent and acts on changes: a newly
// disconnected agent is evicted, an agent heard from again is reinstated.
func (m *Monitor) Check() {
	now := m.now()

	type change struct {
		id       string
		from, to Liveness
		silence  time.Duration
	}
	var changes []change

	m.mu.Lock()
	for id, seen := range m.lastSeen {
		silence := now.Sub(seen)
		to := Classify(silence, m.idleAfter, m.disconnectAfter)
		from := m.liveness[id]
		if from != to {
			m.liveness[id] = to
			changes = append(changes, change{id: id, from: from, to: to, silence: silence})
		}
	}
	callbacks := make([]func(string, Liveness, Liveness), len(m.changeCBs))
	copy(callbacks, m.changeCBs)
	m.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].id < changes[j].id })

	for _, c := range changes {
		m.logger.LivenessChanged(c.id, string(c.from), string(c.to), c.silence)
		switch {
		case c.to == Disconnected:
			if _, err := m.registry.Evict(c.id); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
				m.logger.Warn("evict failed", map[string]interface{}{"agent": c.id, "error": err})
			}
		case c.from == Disconnected:
			if _, err := m.registry.Reinstate(c.id); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
				m.logger.Warn("reinstate failed", map[string]interface{}{"agent": c.id, "error": err})
			}
		}
		for _, cb := range callbacks {
			cb(c.id, c.from, c.to)
		}
	}
}

// Classify returns the current liveness of id. The second result is false
// for agents the monitor does not track.
func (m *Monitor) Classify(id string) (Liveness, bool) {
	m.mu.RLock()
	seen, ok := m.lastSeen[id]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return Classify(m.now().Sub(seen), m.idleAfter, m.disconnectAfter), true
}

// LastSeen returns when id was last heard from.
func (m *Monitor) LastSeen(id string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastSeen[id]
	return t, ok
}

// Snapshot returns the liveness of every tracked agent, sorted by id.
func (m *Monitor) Snapshot() []Status {
	now := m.now()

	m.mu.RLock()
	out := make([]Status, 0, len(m.lastSeen))
	for id, seen := range m.lastSeen {
		silence := now.Sub(seen)
		out = append(out, Status{
			ID:       id,
			Liveness: Classify(silence, m.idleAfter, m.disconnectAfter),
			LastSeen: seen,
			Silence:  silence,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnChange registers a callback for liveness transitions found by Check.
func (m *Monitor) OnChange(callback func(id string, from, to Liveness)) {
	m.mu.Lock()
	m.changeCBs = append(m.changeCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	if m.removeObserver != nil {
		m.removeObserver()
	}
	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
