package pipeline

import (
	"time"

	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
)

// Step is one delegation in a workflow.
type Step struct {
	// Name identifies the step in logs, spans and error metadata.
	Name string

	// Agent is the specialist the step request is sent to.
	Agent string

	// RequestType is the request_type of the step request.
	RequestType string

	// Params are sent with every step request, next to the accumulated data.
	Params map[string]any

	// Timeout bounds the wait for the step's response. Zero uses the
	// orchestrator default.
	Timeout time.Duration
}

// Workflow is a named, ordered list of steps.
type Workflow struct {
	Name  string
	Steps []Step
}

// Validate checks the workflow definition.
func (w Workflow) Validate() error {
	if w.Name == "" {
		return errors.InvalidInput("workflow name is required")
	}
	if len(w.Steps) == 0 {
		return errors.InvalidInput("workflow " + w.Name + " has no steps")
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.Name == "" || s.Agent == "" || s.RequestType == "" {
			return errors.Newf(errors.ErrCodeInvalidInput, "workflow %s step %d needs a name, agent and request type", w.Name, i)
		}
		if s.Agent == message.Broadcast {
			return errors.Newf(errors.ErrCodeInvalidInput, "workflow %s step %s cannot target the broadcast address", w.Name, s.Name)
		}
		if seen[s.Name] {
			return errors.Newf(errors.ErrCodeInvalidInput, "workflow %s has duplicate step %s", w.Name, s.Name)
		}
		if s.Timeout < 0 {
			return errors.Newf(errors.ErrCodeInvalidInput, "workflow %s step %s has a negative timeout", w.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Outcome is a run's terminal state.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeAborted   Outcome = "aborted"
)

// Run is the snapshot of one in-flight pipeline.
type Run struct {
	ID        string
	Workflow  string
	Caller    string
	Step      int
	StepName  string
	Data      message.Payload
	StartedAt time.Time
}
