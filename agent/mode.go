package agent

import (
	"context"

	"github.com/vinayprograms/agentbus/message"
)

// State is the local lifecycle state of a Runtime.
type State string

const (
	StateInactive     State = "inactive"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateError        State = "error"
	StateMaintenance  State = "maintenance"
)

// Mode is the rung of the degraded-mode ladder an agent runs in.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeFallback Mode = "fallback"
	ModeMinimal  Mode = "minimal"
)

// MetadataMode is the registry metadata key the mode is reported under.
const MetadataMode = "mode"

// Probe checks one external dependency at initialization.
type Probe struct {
	Name string

	// Essential marks a dependency without which even Fallback cannot run.
	Essential bool

	Check func(ctx context.Context) error
}

// SelectMode runs every probe and picks a rung: Normal when all pass,
// Fallback when only non-essential probes fail, Minimal when an essential
// probe fails. It also returns the names of the failed probes.
func SelectMode(ctx context.Context, probes []Probe) (Mode, []string) {
	mode := ModeNormal
	var failed []string
	for _, p := range probes {
		if p.Check == nil {
			continue
		}
		if err := p.Check(ctx); err != nil {
			failed = append(failed, p.Name)
			if p.Essential {
				mode = ModeMinimal
			} else if mode == ModeNormal {
				mode = ModeFallback
			}
		}
	}
	return mode, failed
}

type modeKey struct{}

// WithMode returns a context carrying mode.
func WithMode(ctx context.Context, mode Mode) context.Context {
	return context.WithValue(ctx, modeKey{}, mode)
}

// ModeFromContext returns the mode the current handler runs in. Outside a
// runtime it returns ModeNormal.
func ModeFromContext(ctx context.Context) Mode {
	if m, ok := ctx.Value(modeKey{}).(Mode); ok {
		return m
	}
	return ModeNormal
}

// Ladder combines three implementations of one handler contract. The rung
// matching the runtime's mode is invoked; a nil rung falls through to the
// next lower one.
func Ladder(normal, fallback, minimal HandlerFunc) HandlerFunc {
	return func(ctx context.Context, msg *message.Message) (message.Payload, error) {
		rungs := []HandlerFunc{normal, fallback, minimal}
		start := 0
		switch ModeFromContext(ctx) {
		case ModeFallback:
			start = 1
		case ModeMinimal:
			start = 2
		}
		for _, h := range rungs[start:] {
			if h != nil {
				return h(ctx, msg)
			}
		}
		return nil, errNoRung
	}
}
