package registry

import (
	"context"
	"slices"
	"time"

	"github.com/vinayprograms/agentbus/errors"
)

// Status represents an agent's registry-visible operational state.
type Status string

const (
	StatusInactive     Status = "inactive"
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusMaintenance  Status = "maintenance"

	// StatusDisconnected marks an agent evicted by the liveness monitor.
	// The record stays registered; the next observed message reinstates it.
	StatusDisconnected Status = "disconnected"
)

// Statuses lists every Status value.
var Statuses = []Status{
	StatusInactive,
	StatusInitializing,
	StatusActive,
	StatusError,
	StatusMaintenance,
	StatusDisconnected,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Category is a coarse domain tag used for listing and health breakdowns.
type Category string

const (
	CategoryCoordinator    Category = "coordinator"
	CategoryAnalytics      Category = "analytics"
	CategoryContent        Category = "content"
	CategoryCommerce       Category = "commerce"
	CategorySecurity       Category = "security"
	CategoryInfrastructure Category = "infrastructure"
)

// Categories lists every Category value.
var Categories = []Category{
	CategoryCoordinator,
	CategoryAnalytics,
	CategoryContent,
	CategoryCommerce,
	CategorySecurity,
	CategoryInfrastructure,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Kind distinguishes a real agent from a placeholder standing in for it.
type Kind string

const (
	KindReal Kind = "real"
	KindStub Kind = "stub"
)

// Handle is the running instance behind a record. Start and Stop drive it
// through its lifecycle; a stub may implement both as no-ops.
type Handle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// AgentRecord is a registry entry.
type AgentRecord struct {
	// ID uniquely identifies the agent and is its mailbox address.
	ID string

	// DisplayName is a human-readable name.
	DisplayName string

	Category     Category
	Capabilities []string
	Status       Status
	Kind         Kind

	// Handle is the running instance. Nil for records that are catalogued
	// but not driven by InitializeAll/ShutdownAll.
	Handle Handle

	// Metadata carries free-form attributes such as the degraded "mode".
	Metadata map[string]string

	// RegisteredAt is set by Register.
	RegisteredAt time.Time

	// LastSeen is the most recent liveness observation, if any.
	LastSeen time.Time
}

// HasCapability checks if the record lists a capability.
func (r AgentRecord) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

func (r AgentRecord) clone() AgentRecord {
	c := r
	c.Capabilities = slices.Clone(r.Capabilities)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Validate checks the record before registration.
func (r AgentRecord) Validate() error {
	if r.ID == "" {
		return errors.InvalidInput("agent id is required")
	}
	if r.Category != "" && !r.Category.Valid() {
		return errors.InvalidInput("unknown category "+string(r.Category), errors.WithAgentID(r.ID))
	}
	if r.Status != "" && !r.Status.Valid() {
		return errors.InvalidInput("unknown status "+string(r.Status), errors.WithAgentID(r.ID))
	}
	if r.Kind != "" && r.Kind != KindReal && r.Kind != KindStub {
		return errors.InvalidInput("unknown kind "+string(r.Kind), errors.WithAgentID(r.ID))
	}
	return nil
}

// Filter specifies criteria for listing agents. Zero fields match all.
type Filter struct {
	Category   Category
	Status     Status
	Capability string
	Kind       Kind
}

// Matches checks if a record matches the filter criteria.
func (f *Filter) Matches(r AgentRecord) bool {
	if f == nil {
		return true
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Capability != "" && !r.HasCapability(f.Capability) {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return true
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded    EventType = "added"
	EventReplaced EventType = "replaced"
	EventUpdated  EventType = "updated"
	EventRemoved  EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	Type EventType

	// Agent is the record after the change. For removal events, this
	// contains the last known state.
	Agent AgentRecord
}

// Health is the aggregate view returned by AggregateHealth.
type Health struct {
	Total       int              `json:"total"`
	Active      int              `json:"active"`
	ByStatus    map[Status]int   `json:"by_status"`
	ByCategory  map[Category]int `json:"by_category"`
	ActiveRatio float64          `json:"active_ratio"`

	// Degraded is set when ActiveRatio falls below the configured threshold.
	Degraded bool `json:"degraded"`
}

// Outcome is one agent's result inside a Summary.
type Outcome struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
}

// Summary aggregates the outcome of InitializeAll or ShutdownAll.
type Summary struct {
	Outcomes  []Outcome `json:"outcomes"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// Err joins every failure in the summary, or returns nil.
func (s Summary) Err() error {
	var errs []error
	for _, o := range s.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Registry provides agent registration and discovery.
type Registry interface {
	// Register adds a record. An existing id is a REGISTRATION_CONFLICT
	// unless WithReplace is given.
	Register(rec AgentRecord, opts ...RegisterOption) error

	// Deregister removes a record.
	Deregister(id string) error

	// Lookup retrieves a record by id.
	Lookup(id string) (AgentRecord, error)

	// Status returns only the status of a record.
	Status(id string) (Status, error)

	// List returns records matching filter in registration order.
	List(filter *Filter) []AgentRecord

	// SetStatus changes a record's status.
	SetStatus(id string, status Status) error

	// SetMetadata sets one metadata attribute on a record.
	SetMetadata(id, key, value string) error

	// AggregateHealth summarizes statuses across the registry.
	AggregateHealth() Health

	// Watch returns a channel of registry events, closed on Close.
	Watch() (<-chan Event, error)

	Close() error
}

// RegisterOption modifies a Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace  bool
	replaced *AgentRecord
}

// WithReplace allows Register to overwrite an existing record, for example
// a real agent taking over from its stub.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// WithReplaced stores the record displaced by a replacing Register into
// dst, so the caller can stop its Handle. dst is left zero when nothing
// was replaced.
func WithReplaced(dst *AgentRecord) RegisterOption {
	return func(o *registerOptions) { o.replaced = dst }
}
