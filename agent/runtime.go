package agent

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/telemetry"
)

// HandlerFunc processes one message. The returned payload becomes the
// reply when the message owes one.
type HandlerFunc func(ctx context.Context, msg *message.Message) (message.Payload, error)

// ErrDeferred is returned by a handler that will reply later on its own,
// such as an orchestrator waiting on pipeline steps. It is not a failure.
var ErrDeferred = stderrors.New("agent: reply deferred")

var errNoRung = stderrors.New("agent: no handler for any mode rung")

// StatusReporter receives registry-visible status changes.
// *registry.MemoryRegistry satisfies it.
type StatusReporter interface {
	SetStatus(id string, status registry.Status) error
	SetMetadata(id, key, value string) error
}

// Config configures a Runtime.
type Config struct {
	// ID is the agent id and mailbox address (required).
	ID string

	// Bus delivers and receives messages (required).
	Bus bus.MessageBus

	// Reporter is told about lifecycle and failure status. Optional.
	Reporter StatusReporter

	// Init runs during Initialize after the mode is selected.
	// An error moves the runtime to StateError.
	Init func(ctx context.Context, mode Mode) error

	// Probes select the degraded mode at Initialize.
	Probes []Probe

	// FailureThreshold is the number of consecutive handler failures that
	// sets registry status to error.
	// Default: 3
	FailureThreshold int

	// ReplyTimeout bounds publishing a reply into a full mailbox.
	// Default: 5s
	ReplyTimeout time.Duration

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ReplyTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ID == "" || c.ID == message.Broadcast {
		return errors.InvalidInput("agent id is required and must not be the broadcast address")
	}
	if c.Bus == nil {
		return errors.InvalidInput("agent bus is required", errors.WithAgentID(c.ID))
	}
	if c.FailureThreshold < 0 {
		return errors.InvalidInput("failure threshold must not be negative", errors.WithAgentID(c.ID))
	}
	return nil
}

// Runtime consumes one mailbox and dispatches to registered handlers.
type Runtime struct {
	id       string
	bus      bus.MessageBus
	reporter StatusReporter
	init     func(ctx context.Context, mode Mode) error
	probes   []Probe

	threshold    int
	replyTimeout time.Duration
	logger       *logging.Logger
	tracer       *telemetry.Tracer

	handlersMu      sync.RWMutex
	handlers        map[message.Type]HandlerFunc
	requestHandlers map[string]HandlerFunc

	// lifecycleMu serializes Initialize, Shutdown and maintenance changes.
	lifecycleMu sync.Mutex
	stateMu     sync.RWMutex
	state       State
	mode        Mode
	paused      chan struct{} // non-nil while in maintenance; closed on resume

	mailbox  *bus.Mailbox
	failures atomic.Int64
	handled  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

var _ registry.Handle = (*Runtime)(nil)

// New creates a Runtime in StateInactive.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaults.ReplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	return &Runtime{
		id:              cfg.ID,
		bus:             cfg.Bus,
		reporter:        cfg.Reporter,
		init:            cfg.Init,
		probes:          cfg.Probes,
		threshold:       cfg.FailureThreshold,
		replyTimeout:    cfg.ReplyTimeout,
		logger:          logger.WithComponent("agent." + cfg.ID),
		tracer:          tracer,
		handlers:        make(map[message.Type]HandlerFunc),
		requestHandlers: make(map[string]HandlerFunc),
		state:           StateInactive,
		mode:            ModeNormal,
	}, nil
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.id }

// State returns the local lifecycle state.
func (r *Runtime) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Mode returns the degraded-mode rung selected at Initialize.
func (r *Runtime) Mode() Mode {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.mode
}

// ConsecutiveFailures returns the current run of handler failures.
func (r *Runtime) ConsecutiveFailures() int {
	return int(r.failures.Load())
}

// Handled returns the number of messages dispatched so far.
func (r *Runtime) Handled() int64 {
	return r.handled.Load()
}

// Handle registers fn for every message of type typ. Registering again
// replaces the previous handler.
func (r *Runtime) Handle(typ message.Type, fn HandlerFunc) error {
	if !typ.Valid() {
		return errors.InvalidInput("unknown message type "+string(typ), errors.WithAgentID(r.id))
	}
	if fn == nil {
		return errors.InvalidInput("nil handler", errors.WithAgentID(r.id))
	}
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[typ] = fn
	return nil
}

// HandleRequest registers fn for requests and commands whose payload
// request_type equals requestType. It takes precedence over Handle.
func (r *Runtime) HandleRequest(requestType string, fn HandlerFunc) error {
	if requestType == "" {
		return errors.InvalidInput("request type is required", errors.WithAgentID(r.id))
	}
	if fn == nil {
		return errors.InvalidInput("nil handler", errors.WithAgentID(r.id))
	}
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.requestHandlers[requestType] = fn
	return nil
}

// Initialize moves the runtime from Inactive (or Error) to Active: it
// selects the mode, runs the init hook, subscribes the mailbox and starts
// the loop. On an already running runtime it returns the current state.
func (r *Runtime) Initialize(ctx context.Context) (State, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch cur := r.State(); cur {
	case StateActive, StateMaintenance:
		return cur, nil
	}

	r.transition(StateInitializing)

	mode, failed := SelectMode(ctx, r.probes)
	r.stateMu.Lock()
	r.mode = mode
	r.stateMu.Unlock()
	if mode != ModeNormal {
		r.logger.Warn("degraded", map[string]interface{}{
			"mode":   mode,
			"probes": failed,
		})
	}
	r.reportMetadata(MetadataMode, string(mode))

	if r.init != nil {
		if err := r.init(ctx, mode); err != nil {
			r.transition(StateError)
			return StateError, errors.Wrap(err, "initialize "+r.id, errors.WithAgentID(r.id))
		}
	}

	mb, err := r.bus.Subscribe(r.id)
	if err != nil {
		r.transition(StateError)
		return StateError, errors.Wrap(err, "subscribe "+r.id, errors.WithAgentID(r.id))
	}
	if err := mb.Claim(); err != nil {
		r.transition(StateError)
		return StateError, errors.Wrap(err, "claim mailbox "+r.id, errors.WithAgentID(r.id))
	}

	r.mailbox = mb
	r.failures.Store(0)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)

	r.transition(StateActive)
	return StateActive, nil
}

// Start initializes the runtime. It satisfies registry.Handle.
func (r *Runtime) Start(ctx context.Context) error {
	_, err := r.Initialize(ctx)
	return err
}

// Stop shuts the runtime down. It satisfies registry.Handle.
func (r *Runtime) Stop(ctx context.Context) error {
	return r.Shutdown(ctx)
}

// Shutdown stops dequeuing, waits for the in-flight handler to finish,
// releases the mailbox and moves to Inactive. If ctx ends first the
// runtime is left running and the context error is returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.State() == StateInactive {
		return nil
	}

	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
		r.resumeLocked()

		select {
		case <-r.doneCh:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for "+r.id+" to drain", errors.WithAgentID(r.id))
		}
		r.stopCh, r.doneCh = nil, nil
	}

	if r.mailbox != nil {
		// Only the mailbox this runtime subscribed is released; a runtime
		// that took over the id keeps its own.
		if err := r.bus.Release(r.mailbox); err != nil {
			r.logger.Warn("release failed", map[string]interface{}{"error": err})
		}
		r.mailbox = nil
	}

	r.transition(StateInactive)
	return nil
}

// EnterMaintenance pauses dispatch. Messages keep queueing (subject to
// backpressure) until Resume.
func (r *Runtime) EnterMaintenance() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	switch r.State() {
	case StateMaintenance:
		return nil
	case StateActive:
	default:
		return errors.InvalidInput("maintenance requires an active agent", errors.WithAgentID(r.id))
	}

	r.stateMu.Lock()
	r.paused = make(chan struct{})
	r.stateMu.Unlock()
	r.transition(StateMaintenance)
	return nil
}

// Resume leaves maintenance and continues dispatching.
func (r *Runtime) Resume() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.State() != StateMaintenance {
		return nil
	}
	r.resumeLocked()
	r.transition(StateActive)
	return nil
}

func (r *Runtime) resumeLocked() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.paused != nil {
		close(r.paused)
		r.paused = nil
	}
}

func (r *Runtime) transition(to State) {
	r.stateMu.Lock()
	from := r.state
	r.state = to
	r.stateMu.Unlock()

	if from == to {
		return
	}
	r.logger.Lifecycle(r.id, string(from), string(to))
	r.reportStatus(registry.Status(to))
}

func (r *Runtime) reportStatus(status registry.Status) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.SetStatus(r.id, status); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.Warn("status report failed", map[string]interface{}{"status": status, "error": err})
	}
}

func (r *Runtime) reportMetadata(key, value string) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.SetMetadata(r.id, key, value); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		r.logger.Warn("metadata report failed", map[string]interface{}{"key": key, "error": err})
	}
}

// run is the consume loop. Handlers get a context that is not cancelled
// by Shutdown so the in-flight message always completes.
func (r *Runtime) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	mailbox := r.mailbox
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		msg, err := mailbox.Receive(loopCtx)
		if err != nil {
			if loopCtx.Err() == nil {
				// The mailbox was closed underneath us.
				r.logger.Warn("mailbox closed", map[string]interface{}{"error": err})
				r.transition(StateError)
			}
			return
		}

		// A message dequeued during maintenance is held until Resume.
		if !r.waitWhilePaused(stopCh) {
			r.logger.DeliveryFailed(msg.ID(), r.id, errors.Closed("agent "+r.id))
			return
		}

		r.dispatch(context.Background(), msg)
	}
}

func (r *Runtime) waitWhilePaused(stopCh chan struct{}) bool {
	r.stateMu.RLock()
	paused := r.paused
	r.stateMu.RUnlock()
	if paused == nil {
		return true
	}
	select {
	case <-paused:
		return true
	case <-stopCh:
		return false
	}
}

// lookup resolves the handler for msg: request_type first for requests
// and commands, then the message type.
func (r *Runtime) lookup(msg *message.Message) (HandlerFunc, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()

	if msg.Type() == message.TypeRequest || msg.Type() == message.TypeCommand {
		if rt := msg.Payload().RequestType(); rt != "" {
			if fn, ok := r.requestHandlers[rt]; ok {
				return fn, true
			}
		}
	}
	if fn, ok := r.handlers[msg.Type()]; ok {
		return fn, true
	}
	if msg.Type() == message.TypeHeartbeat {
		return r.heartbeatAck, true
	}
	return nil, false
}

// heartbeatAck answers a heartbeat so the liveness monitor sees traffic
// from this agent.
func (r *Runtime) heartbeatAck(ctx context.Context, msg *message.Message) (message.Payload, error) {
	return message.Payload{
		"agent": r.id,
		"state": string(r.State()),
		"mode":  string(r.Mode()),
	}, nil
}

func (r *Runtime) dispatch(ctx context.Context, msg *message.Message) {
	r.handled.Add(1)

	if headers := msg.Headers(); len(headers) > 0 {
		ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(headers))
	}
	ctx, span := r.tracer.StartDispatchSpan(ctx, telemetry.DispatchSpanOptions{
		AgentID:       r.id,
		MessageID:     msg.ID(),
		Type:          string(msg.Type()),
		Priority:      msg.Priority().String(),
		Sender:        msg.Sender(),
		CorrelationID: msg.CorrelationID(),
		RequestType:   msg.Payload().RequestType(),
	})
	ctx = WithMode(ctx, r.Mode())

	owes := msg.OwesResponse() || msg.Type() == message.TypeHeartbeat

	fn, ok := r.lookup(msg)
	if !ok {
		err := errors.FromCode(errors.ErrCodeNoHandler,
			errors.WithAgentID(r.id),
			errors.WithMessageID(msg.ID()),
			errors.WithMetadata("type", string(msg.Type())))
		r.logger.Warn("no handler", map[string]interface{}{
			"id":   msg.ID(),
			"type": msg.Type(),
			"from": msg.Sender(),
		})
		if msg.OwesResponse() {
			r.reply(ctx, msg.ErrorReply(err))
		}
		r.tracer.EndDispatchSpan(span, telemetry.DispatchResult{Replied: msg.OwesResponse()}, err)
		return
	}

	payload, err := r.invoke(ctx, fn, msg)
	switch {
	case stderrors.Is(err, ErrDeferred):
		r.failures.Store(0)
		r.tracer.EndDispatchSpan(span, telemetry.DispatchResult{}, nil)

	case err != nil:
		failure := errors.HandlerFailure(r.id, err, errors.WithMessageID(msg.ID()))
		n := int(r.failures.Add(1))
		r.logger.HandlerFailed(r.id, msg.ID(), string(msg.Type()), n, err)
		if r.threshold > 0 && n >= r.threshold {
			r.reportStatus(registry.StatusError)
		}
		if owes {
			r.reply(ctx, msg.ErrorReply(failure))
		}
		r.tracer.EndDispatchSpan(span, telemetry.DispatchResult{Replied: owes}, failure)

	default:
		r.failures.Store(0)
		if owes {
			r.reply(ctx, msg.Reply(payload, true, nil))
		}
		r.tracer.EndDispatchSpan(span, telemetry.DispatchResult{Replied: owes, Payload: payload}, nil)
	}
}

// invoke calls fn, converting a panic into an error.
func (r *Runtime) invoke(ctx context.Context, fn HandlerFunc, msg *message.Message) (payload message.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = errors.RecoverPanic(rec)
		}
	}()
	return fn(ctx, msg)
}

func (r *Runtime) reply(ctx context.Context, reply *message.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.replyTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, reply); err != nil {
		r.logger.DeliveryFailed(reply.ID(), reply.Recipient(), err)
	}
}

// Send publishes a message from this agent. Trace context from ctx is
// carried in the message headers.
func (r *Runtime) Send(ctx context.Context, recipient string, typ message.Type, payload message.Payload, opts ...message.Option) (*message.Message, error) {
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	for k, v := range carrier {
		opts = append(opts, message.WithHeader(k, v))
	}

	msg, err := message.New(r.id, recipient, typ, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.bus.Publish(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}
