package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
)

// MemoryRegistry is an in-memory implementation of Registry. All records
// live behind one lock; handles are invoked outside it.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]*AgentRecord
	order    []string
	watchers []chan Event
	closed   bool

	config Config
	logger *logging.Logger
}

var _ Registry = (*MemoryRegistry)(nil)

// Config configures the in-memory registry.
type Config struct {
	// DegradedThreshold is the active ratio below which AggregateHealth
	// reports the registry as degraded. Zero selects the default.
	// Default: 0.5
	DegradedThreshold float64

	// WatchBuffer is the per-watcher channel size. Events are dropped for a
	// watcher whose buffer is full.
	// Default: 64
	WatchBuffer int

	// Logger receives registry events. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold: 0.5,
		WatchBuffer:       64,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DegradedThreshold < 0 || c.DegradedThreshold > 1 {
		return errors.InvalidInput("degraded threshold must be between 0.0 and 1.0")
	}
	if c.WatchBuffer < 0 {
		return errors.InvalidInput("watch buffer must not be negative")
	}
	return nil
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg Config) *MemoryRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.DegradedThreshold == 0 {
		cfg.DegradedThreshold = DefaultConfig().DegradedThreshold
	}
	return &MemoryRegistry{
		agents: make(map[string]*AgentRecord),
		config: cfg,
		logger: logger.WithComponent("registry"),
	}
}

// Register adds a record, or replaces one when WithReplace is given.
// A conflicting registration leaves the existing record untouched.
func (r *MemoryRegistry) Register(rec AgentRecord, opts ...RegisterOption) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec = rec.clone()
	if rec.Status == "" {
		rec.Status = StatusInactive
	}
	if rec.Kind == "" {
		rec.Kind = KindReal
	}
	rec.RegisteredAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.Closed("registry")
	}

	existing, exists := r.agents[rec.ID]
	if exists && !o.replace {
		r.logger.Warn("registration_conflict", map[string]interface{}{
			"agent":         rec.ID,
			"existing_kind": existing.Kind,
			"new_kind":      rec.Kind,
		})
		return errors.RegistrationConflict(rec.ID)
	}

	eventType := EventAdded
	if exists {
		// Replacement keeps the original registration slot so ordered
		// operations still see the agent where it was first registered.
		eventType = EventReplaced
		rec.LastSeen = existing.LastSeen
		if o.replaced != nil {
			*o.replaced = existing.clone()
		}
	} else {
		r.order = append(r.order, rec.ID)
	}
	r.agents[rec.ID] = &rec

	r.logger.Info("registered", map[string]interface{}{
		"agent":    rec.ID,
		"kind":     rec.Kind,
		"category": rec.Category,
		"event":    eventType,
	})
	r.notifyWatchers(Event{Type: eventType, Agent: rec.clone()})
	return nil
}

// Deregister removes a record.
func (r *MemoryRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.Closed("registry")
	}

	rec, exists := r.agents[id]
	if !exists {
		return errors.NotFound("agent "+id+" not registered", errors.WithAgentID(id))
	}

	delete(r.agents, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notifyWatchers(Event{Type: EventRemoved, Agent: rec.clone()})
	return nil
}

// Lookup retrieves a record by id.
func (r *MemoryRegistry) Lookup(id string) (AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.agents[id]
	if !exists {
		return AgentRecord{}, errors.NotFound("agent "+id+" not registered", errors.WithAgentID(id))
	}
	return rec.clone(), nil
}

// Status returns the status of a record.
func (r *MemoryRegistry) Status(id string) (Status, error) {
	rec, err := r.Lookup(id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// List returns records matching filter in registration order.
func (r *MemoryRegistry) List(filter *Filter) []AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]AgentRecord, 0, len(r.order))
	for _, id := range r.order {
		rec := r.agents[id]
		if filter.Matches(*rec) {
			result = append(result, rec.clone())
		}
	}
	return result
}

// SetStatus changes a record's status.
func (r *MemoryRegistry) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return errors.InvalidInput("unknown status "+string(status), errors.WithAgentID(id))
	}
	_, err := r.update(id, func(rec *AgentRecord) bool {
		if rec.Status == status {
			return false
		}
		rec.Status = status
		return true
	})
	return err
}

// SetMetadata sets one metadata attribute on a record.
func (r *MemoryRegistry) SetMetadata(id, key, value string) error {
	_, err := r.update(id, func(rec *AgentRecord) bool {
		if v, ok := rec.Metadata[key]; ok && v == value {
			return false
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata[key] = value
		return true
	})
	return err
}

// Touch records a liveness observation. It does not emit an event.
func (r *MemoryRegistry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[id]; ok && at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
}

// Evict moves an active agent to StatusDisconnected. It reports whether
// the status changed; agents in any other status are left alone.
func (r *MemoryRegistry) Evict(id string) (bool, error) {
	return r.update(id, func(rec *AgentRecord) bool {
		if rec.Status != StatusActive {
			return false
		}
		rec.Status = StatusDisconnected
		return true
	})
}

// Reinstate returns a disconnected agent to StatusActive.
func (r *MemoryRegistry) Reinstate(id string) (bool, error) {
	return r.update(id, func(rec *AgentRecord) bool {
		if rec.Status != StatusDisconnected {
			return false
		}
		rec.Status = StatusActive
		return true
	})
}

// update applies fn under the lock and emits EventUpdated if fn reports a
// change.
func (r *MemoryRegistry) update(id string, fn func(*AgentRecord) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, errors.Closed("registry")
	}
	rec, exists := r.agents[id]
	if !exists {
		return false, errors.NotFound("agent "+id+" not registered", errors.WithAgentID(id))
	}

	before := rec.Status
	if !fn(rec) {
		return false, nil
	}
	if before != rec.Status {
		r.logger.Info("status", map[string]interface{}{
			"agent": id,
			"from":  before,
			"to":    rec.Status,
		})
	}
	r.notifyWatchers(Event{Type: EventUpdated, Agent: rec.clone()})
	return true, nil
}

// AggregateHealth summarizes statuses across the registry.
func (r *MemoryRegistry) AggregateHealth() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := Health{
		Total:      len(r.agents),
		ByStatus:   make(map[Status]int),
		ByCategory: make(map[Category]int),
	}
	for _, rec := range r.agents {
		h.ByStatus[rec.Status]++
		if rec.Category != "" {
			h.ByCategory[rec.Category]++
		}
		if rec.Status == StatusActive {
			h.Active++
		}
	}
	if h.Total > 0 {
		h.ActiveRatio = float64(h.Active) / float64(h.Total)
		h.Degraded = h.ActiveRatio < r.config.DegradedThreshold
	}
	return h
}

// HealthCheck is AggregateHealth under its query-API name.
func (r *MemoryRegistry) HealthCheck() Health {
	return r.AggregateHealth()
}

// InitializeAll starts every record with a handle, in registration order.
// A failure is recorded in the summary and the remaining agents are still
// started.
func (r *MemoryRegistry) InitializeAll(ctx context.Context) Summary {
	return r.driveAll(ctx, "initialize", StatusInitializing, StatusActive, Handle.Start)
}

// ShutdownAll stops every record with a handle, in registration order.
func (r *MemoryRegistry) ShutdownAll(ctx context.Context) Summary {
	return r.driveAll(ctx, "shutdown", "", StatusInactive, Handle.Stop)
}

func (r *MemoryRegistry) driveAll(ctx context.Context, op string, pending, done Status, call func(Handle, context.Context) error) Summary {
	type target struct {
		id     string
		handle Handle
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.order))
	for _, id := range r.order {
		if h := r.agents[id].Handle; h != nil {
			targets = append(targets, target{id: id, handle: h})
		}
	}
	r.mu.RUnlock()

	var summary Summary
	for _, t := range targets {
		if pending != "" {
			r.setStatusLogged(op, t.id, pending)
		}

		outcome := Outcome{ID: t.id, Status: done}
		if err := call(t.handle, ctx); err != nil {
			outcome.Status = StatusError
			outcome.Err = errors.Wrap(err, op+" "+t.id, errors.WithAgentID(t.id))
			summary.Failed++
			r.logger.Error(op+"_failed", map[string]interface{}{
				"agent": t.id,
				"error": err,
			})
		} else {
			summary.Succeeded++
		}
		r.setStatusLogged(op, t.id, outcome.Status)
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	r.logger.Info(op+"_all", map[string]interface{}{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
	return summary
}

func (r *MemoryRegistry) setStatusLogged(op, id string, status Status) {
	if err := r.SetStatus(id, status); err != nil {
		r.logger.Warn(op+"_status_failed", map[string]interface{}{
			"agent":  id,
			"status": status,
			"error":  err,
		})
	}
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.Closed("registry")
	}

	buf := r.config.WatchBuffer
	if buf <= 0 {
		buf = DefaultConfig().WatchBuffer
	}
	ch := make(chan Event, buf)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}
