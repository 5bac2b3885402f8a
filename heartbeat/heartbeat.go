package heartbeat

import (
	stderrors "errors"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("heartbeat already started")
	ErrNotStarted     = stderrors.New("heartbeat not started")
)

// DefaultBroadcasterID is the sender id of heartbeat broadcasts.
const DefaultBroadcasterID = "heartbeat"

// Payload keys of a heartbeat broadcast.
const (
	KeySequence  = "seq"
	KeyTimestamp = "timestamp"
)

// Liveness is an agent's classification by silence.
type Liveness string

const (
	Connected    Liveness = "connected"
	Idle         Liveness = "idle"
	Disconnected Liveness = "disconnected"
)

// Classify maps a silence duration to a Liveness.
func Classify(silence, idleAfter, disconnectAfter time.Duration) Liveness {
	switch {
	case silence >= disconnectAfter:
		return Disconnected
	case silence >= idleAfter:
		return Idle
	default:
		return Connected
	}
}

// Tracker is the registry surface the monitor drives.
// *registry.MemoryRegistry satisfies it.
type Tracker interface {
	List(filter *registry.Filter) []registry.AgentRecord
	Watch() (<-chan registry.Event, error)
	Touch(id string, at time.Time)
	Evict(id string) (bool, error)
	Reinstate(id string) (bool, error)
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Bus carries the broadcasts (required).
	Bus bus.MessageBus

	// ID is the sender id of the broadcasts. It owns a mailbox so heartbeat
	// replies have somewhere to go.
	// Default: "heartbeat"
	ID string

	// Interval between broadcasts.
	// Default: 5 seconds
	Interval time.Duration

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *BroadcasterConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidInput("heartbeat broadcaster bus is required")
	}
	if c.Interval < 0 {
		return errors.InvalidInput("heartbeat interval must not be negative")
	}
	return nil
}

// DefaultBroadcasterConfig returns configuration with sensible defaults.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		ID:       DefaultBroadcasterID,
		Interval: 5 * time.Second,
	}
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Bus is observed for traffic (required).
	Bus bus.MessageBus

	// Registry supplies the agents to track and receives evictions (required).
	Registry Tracker

	// IdleAfter is the silence after which an agent is idle.
	// Default: 15 seconds
	IdleAfter time.Duration

	// DisconnectAfter is the silence after which an agent is disconnected
	// and evicted.
	// Default: 30 seconds
	DisconnectAfter time.Duration

	// CheckInterval for the classification loop.
	// Default: 1 second
	CheckInterval time.Duration

	// Now overrides the clock. Default: time.Now
	Now func() time.Time

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return errors.InvalidInput("heartbeat monitor bus is required")
	}
	if c.Registry == nil {
		return errors.InvalidInput("heartbeat monitor registry is required")
	}
	if c.IdleAfter < 0 || c.DisconnectAfter < 0 || c.CheckInterval < 0 {
		return errors.InvalidInput("heartbeat durations must not be negative")
	}
	if c.IdleAfter > 0 && c.DisconnectAfter > 0 && c.DisconnectAfter <= c.IdleAfter {
		return errors.InvalidInput("disconnect threshold must exceed idle threshold")
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		IdleAfter:       15 * time.Second,
		DisconnectAfter: 30 * time.Second,
		CheckInterval:   1 * time.Second,
	}
}
