package pipeline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentbus/agent"
	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/telemetry"
)

const (
	// RequestRunPipeline is the request_type that starts a run.
	RequestRunPipeline = "run_pipeline"

	// ParamWorkflow names the workflow in the triggering request's params.
	ParamWorkflow = "workflow"
)

// Payload keys the orchestrator adds to step requests and final replies.
const (
	KeyPipelineID = "pipeline_id"
	KeyWorkflow   = "workflow"
	KeyStep       = "step"
	KeyData       = "data"
)

// Config configures an Orchestrator.
type Config struct {
	// ID is the orchestrator's agent id.
	// Default: "orchestrator"
	ID string

	// Bus carries step requests and responses (required).
	Bus bus.MessageBus

	// Reporter receives the orchestrator's own lifecycle status. Optional.
	Reporter agent.StatusReporter

	// StepTimeout bounds each step that sets no timeout of its own.
	// Default: 30s
	StepTimeout time.Duration

	// RecentTTL is how long ended run ids are remembered to tell late
	// responses from foreign ones.
	// Default: 5m
	RecentTTL time.Duration

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ID:          "orchestrator",
		StepTimeout: 30 * time.Second,
		RecentTTL:   5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Bus == nil {
		return errors.InvalidInput("orchestrator bus is required")
	}
	if c.StepTimeout < 0 || c.RecentTTL < 0 {
		return errors.InvalidInput("orchestrator durations must not be negative")
	}
	return nil
}

// Stats counts runs by outcome.
type Stats struct {
	Started   int64
	Completed int64
	Failed    int64
	TimedOut  int64
	Aborted   int64

	// Late counts responses for runs that already ended.
	Late int64

	// Ignored counts responses with no known run.
	Ignored int64

	InFlight int
}

// Orchestrator drives workflows from the inbox of its own agent runtime.
type Orchestrator struct {
	rt          *agent.Runtime
	bus         bus.MessageBus
	stepTimeout time.Duration
	logger      *logging.Logger
	tracer      *telemetry.Tracer

	workflowsMu sync.RWMutex
	workflows   map[string]Workflow

	// mu guards runs and every field of an in-flight run. Terminal
	// transitions happen under it, so a run ends exactly once.
	mu   sync.Mutex
	runs map[string]*run

	// steps maps the id of each outstanding step request to its run, so an
	// automatic reply (correlated to the step request) finds the run too.
	steps map[string]string

	// recent remembers ended run ids and their outcome.
	recent *gocache.Cache

	started, completed, failed, timedOut, aborted, late, ignored atomic.Int64
}

// run is the orchestrator-owned state of one pipeline.
type run struct {
	id        string
	workflow  Workflow
	origin    *message.Message
	step      int
	pending   string
	data      message.Payload
	startedAt time.Time
	timer     *time.Timer

	ctx  context.Context
	span trace.Span
}

var _ registry.Handle = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator and its agent runtime.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = defaults.ID
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}
	if cfg.RecentTTL == 0 {
		cfg.RecentTTL = defaults.RecentTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	rcfg := agent.DefaultConfig()
	rcfg.ID = cfg.ID
	rcfg.Bus = cfg.Bus
	rcfg.Reporter = cfg.Reporter
	rcfg.Logger = logger
	rcfg.Tracer = tracer
	rt, err := agent.New(rcfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		rt:          rt,
		bus:         cfg.Bus,
		stepTimeout: cfg.StepTimeout,
		logger:      logger.WithComponent("pipeline"),
		tracer:      tracer,
		workflows:   make(map[string]Workflow),
		runs:        make(map[string]*run),
		steps:       make(map[string]string),
		recent:      gocache.New(cfg.RecentTTL, cfg.RecentTTL*2),
	}

	rt.HandleRequest(RequestRunPipeline, o.handleRun)
	rt.Handle(message.TypeResponse, o.handleResponse)
	rt.Handle(message.TypeError, o.handleResponse)
	return o, nil
}

// ID returns the orchestrator's agent id.
func (o *Orchestrator) ID() string { return o.rt.ID() }

// Runtime returns the underlying agent runtime.
func (o *Orchestrator) Runtime() *agent.Runtime { return o.rt }

// RegisterWorkflow adds or replaces a workflow definition.
func (o *Orchestrator) RegisterWorkflow(w Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.Steps = append([]Step(nil), w.Steps...)

	o.workflowsMu.Lock()
	defer o.workflowsMu.Unlock()
	o.workflows[w.Name] = w
	return nil
}

// Workflows returns the registered workflow names, sorted.
func (o *Orchestrator) Workflows() []string {
	o.workflowsMu.RLock()
	defer o.workflowsMu.RUnlock()
	names := make([]string, 0, len(o.workflows))
	for name := range o.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start initializes the orchestrator's runtime.
func (o *Orchestrator) Start(ctx context.Context) error {
	_, err := o.rt.Initialize(ctx)
	return err
}

// Stop shuts the runtime down, then fails every run still in flight.
func (o *Orchestrator) Stop(ctx context.Context) error {
	err := o.rt.Shutdown(ctx)

	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.terminate(id, -1, OutcomeAborted, errors.Closed("orchestrator "+o.ID()))
	}
	return err
}

// Lookup returns a snapshot of an in-flight run.
func (o *Orchestrator) Lookup(id string) (Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.snapshot(), true
}

// InFlight returns snapshots of every in-flight run, oldest first.
func (o *Orchestrator) InFlight() []Run {
	o.mu.Lock()
	out := make([]Run, 0, len(o.runs))
	for _, r := range o.runs {
		out = append(out, r.snapshot())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Stats returns run counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	inFlight := len(o.runs)
	o.mu.Unlock()
	return Stats{
		Started:   o.started.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		TimedOut:  o.timedOut.Load(),
		Aborted:   o.aborted.Load(),
		Late:      o.late.Load(),
		Ignored:   o.ignored.Load(),
		InFlight:  inFlight,
	}
}

func (r *run) snapshot() Run {
	return Run{
		ID:        r.id,
		Workflow:  r.workflow.Name,
		Caller:    r.origin.Sender(),
		Step:      r.step,
		StepName:  r.workflow.Steps[r.step].Name,
		Data:      r.data.Clone(),
		StartedAt: r.startedAt,
	}
}

// handleRun starts a run for a run_pipeline request. The caller's reply is
// sent when the run ends, so the handler always defers.
func (o *Orchestrator) handleRun(ctx context.Context, msg *message.Message) (message.Payload, error) {
	params := msg.Payload().Params()
	name, _ := params[ParamWorkflow].(string)

	o.workflowsMu.RLock()
	wf, ok := o.workflows[name]
	o.workflowsMu.RUnlock()
	if !ok {
		err := errors.NotFound("unknown workflow "+name, errors.WithMessageID(msg.ID()))
		o.publish(msg.ErrorReply(err))
		return nil, agent.ErrDeferred
	}

	data := message.Payload{}
	for k, v := range params {
		if k != ParamWorkflow {
			data[k] = v
		}
	}

	r := &run{
		id:        msg.ID(),
		workflow:  wf,
		origin:    msg,
		data:      data,
		startedAt: time.Now(),
	}
	r.ctx, r.span = o.tracer.StartPipelineSpan(ctx, r.id, wf.Name, msg.Sender())

	o.mu.Lock()
	if _, dup := o.runs[r.id]; dup {
		o.mu.Unlock()
		r.span.End()
		o.logger.Warn("duplicate pipeline request", map[string]interface{}{"pipeline": r.id})
		return nil, agent.ErrDeferred
	}
	o.runs[r.id] = r
	o.armTimer(r)
	o.mu.Unlock()

	o.started.Add(1)
	o.logger.WithTraceID(r.id).Info("pipeline started", map[string]interface{}{
		"workflow": wf.Name,
		"caller":   msg.Sender(),
		"steps":    len(wf.Steps),
	})
	o.sendStep(r, 0)
	return nil, agent.ErrDeferred
}

// handleResponse advances or ends the run a response is correlated with.
// Responses that match no run are dropped.
func (o *Orchestrator) handleResponse(ctx context.Context, msg *message.Message) (message.Payload, error) {
	o.mu.Lock()
	id := msg.CorrelationID()
	if runID, found := o.steps[id]; found {
		id = runID
	}
	r, ok := o.runs[id]
	if !ok {
		o.mu.Unlock()
		o.classifyStray(msg)
		return nil, nil
	}

	step := r.workflow.Steps[r.step]
	if msg.Sender() != step.Agent {
		o.mu.Unlock()
		o.ignored.Add(1)
		o.logger.Debug("response from unexpected agent", map[string]interface{}{
			"pipeline": id,
			"from":     msg.Sender(),
			"expected": step.Agent,
		})
		return nil, nil
	}

	if msg.SignalsFailure() {
		idx := r.step
		o.mu.Unlock()
		o.terminate(id, idx, OutcomeFailed, errors.PipelineStepFailed(id, step.Name, msg.FailureReason()))
		return nil, nil
	}

	for k, v := range msg.Payload() {
		if k == message.KeyStatus || k == message.KeyMessage {
			continue
		}
		r.data[k] = v
	}

	if r.step == len(r.workflow.Steps)-1 {
		idx := r.step
		o.mu.Unlock()
		o.terminate(id, idx, OutcomeCompleted, nil)
		return nil, nil
	}

	r.step++
	next := r.step
	delete(o.steps, r.pending)
	r.pending = ""
	o.armTimer(r)
	o.mu.Unlock()

	o.sendStep(r, next)
	return nil, nil
}

func (o *Orchestrator) classifyStray(msg *message.Message) {
	id := msg.CorrelationID()
	if outcome, found := o.recent.Get(id); found {
		o.late.Add(1)
		o.logger.Debug("late response", map[string]interface{}{
			"pipeline": id,
			"from":     msg.Sender(),
			"outcome":  outcome,
		})
		return
	}
	o.ignored.Add(1)
	o.logger.Debug("uncorrelated response", map[string]interface{}{
		"id":             msg.ID(),
		"correlation_id": id,
		"from":           msg.Sender(),
	})
}

// armTimer starts the timeout for the run's current step.
// Must be called with o.mu held.
func (o *Orchestrator) armTimer(r *run) {
	if r.timer != nil {
		r.timer.Stop()
	}
	step := r.workflow.Steps[r.step]
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.stepTimeout
	}
	idx := r.step
	r.timer = time.AfterFunc(timeout, func() {
		o.terminate(r.id, idx, OutcomeTimedOut, errors.PipelineTimeout(r.id, step.Name))
	})
}

// sendStep publishes the request for step idx. Only the run's owner calls
// it, right after arming the step's timer.
func (o *Orchestrator) sendStep(r *run, idx int) {
	step := r.workflow.Steps[idx]

	// A step timer may have ended the run since it advanced to idx.
	o.mu.Lock()
	if cur, ok := o.runs[r.id]; !ok || cur.step != idx {
		o.mu.Unlock()
		return
	}
	data := r.data.Clone()
	o.mu.Unlock()

	params := make(map[string]any, len(step.Params)+3)
	for k, v := range step.Params {
		params[k] = v
	}
	params[KeyPipelineID] = r.id
	params[KeyStep] = step.Name
	params[KeyData] = map[string]any(data)

	o.tracer.PipelineStep(r.span, idx, step.Name, step.Agent)
	o.logger.WithTraceID(r.id).PipelineStep(r.id, r.workflow.Name, step.Name, step.Agent)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.stepTimeout
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	sent, err := o.rt.Send(ctx, step.Agent, message.TypeRequest,
		message.RequestPayload(step.RequestType, params),
		message.WithCorrelationID(r.id),
		message.WithPriority(r.origin.Priority()))
	if err != nil {
		o.terminate(r.id, idx, OutcomeFailed, errors.PipelineStepFailed(r.id, step.Name, err.Error(), errors.WithCause(err)))
		return
	}

	// Responses are dispatched on the runtime loop this runs on, so none
	// can be handled before the step id is recorded.
	o.mu.Lock()
	cur, live := o.runs[r.id]
	if live && cur.step == idx {
		cur.pending = sent.ID()
		o.steps[sent.ID()] = r.id
	}
	o.mu.Unlock()

	// Ended while the request was in transit: its answer is late.
	if !live {
		if outcome, found := o.recent.Get(r.id); found {
			o.recent.Set(sent.ID(), outcome, gocache.DefaultExpiration)
		}
	}
}

// terminate ends run id if it is still at step idx (any step when idx is
// negative). It removes the run, then replies to the original caller.
func (o *Orchestrator) terminate(id string, idx int, outcome Outcome, cause error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	if !ok || (idx >= 0 && r.step != idx) {
		o.mu.Unlock()
		return
	}
	delete(o.runs, id)
	delete(o.steps, r.pending)
	if r.timer != nil {
		r.timer.Stop()
	}
	data := r.data.Clone()
	completedSteps := r.step
	pending := r.pending
	o.mu.Unlock()

	o.recent.Set(id, outcome, gocache.DefaultExpiration)
	if pending != "" {
		o.recent.Set(pending, outcome, gocache.DefaultExpiration)
	}

	var reply *message.Message
	if cause == nil {
		data[KeyPipelineID] = id
		data[KeyWorkflow] = r.workflow.Name
		reply = r.origin.Reply(data, true, nil)
		o.completed.Add(1)
	} else {
		reply = r.origin.ErrorReply(cause)
		switch outcome {
		case OutcomeTimedOut:
			o.timedOut.Add(1)
		case OutcomeAborted:
			o.aborted.Add(1)
		default:
			o.failed.Add(1)
		}
	}

	duration := time.Since(r.startedAt)
	o.logger.WithTraceID(id).PipelineTerminal(id, r.workflow.Name, string(outcome), duration, cause)
	if cause == nil {
		completedSteps = len(r.workflow.Steps)
	}
	o.tracer.EndPipelineSpan(r.span, string(outcome), completedSteps, cause)

	o.publish(reply)
}

func (o *Orchestrator) publish(msg *message.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), o.stepTimeout)
	defer cancel()
	if err := o.bus.Publish(ctx, msg); err != nil {
		o.logger.DeliveryFailed(msg.ID(), msg.Recipient(), err)
	}
}
