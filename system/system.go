package system

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentbus/agent"
	"github.com/vinayprograms/agentbus/audit"
	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/config"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/heartbeat"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/pipeline"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/shutdown"
	"github.com/vinayprograms/agentbus/telemetry"
)

// System is the process-wide context object.
type System struct {
	Config       config.Config
	Logger       *logging.Logger
	Bus          *bus.MemoryBus
	Registry     *registry.MemoryRegistry
	Tracer       *telemetry.Tracer
	Orchestrator *pipeline.Orchestrator

	// Nil when heartbeat is disabled.
	Broadcaster *heartbeat.Broadcaster
	Monitor     *heartbeat.Monitor

	// Nil when audit is disabled.
	Tap *audit.Tap

	provider *telemetry.Provider
	coord    *shutdown.Coordinator
	logger   *logging.Logger

	mu      sync.Mutex
	started bool
}

// Option customizes New.
type Option func(*options)

type options struct {
	output     io.Writer
	extraSinks []audit.Sink
	version    string
}

// WithOutput sends log lines (and stdout trace exports) to w.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithAuditSink adds a sink next to the configured ones. It enables the
// audit tap even when audit.enabled is false.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.extraSinks = append(o.extraSinks, s) }
}

// WithVersion sets the service version reported on spans.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	if o.output != nil {
		logger.SetOutput(o.output)
	}

	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: o.version,
		Exporter:       cfg.Telemetry.Exporter,
		Writer:         o.output,
		Endpoint:       cfg.Telemetry.Endpoint,
		Protocol:       cfg.Telemetry.Protocol,
		Insecure:       cfg.Telemetry.Insecure,
		Debug:          cfg.Telemetry.Debug,
		Headers:        cfg.Telemetry.Headers,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init telemetry")
	}

	s := &System{
		Config:   cfg,
		Logger:   logger,
		Tracer:   provider.Tracer(),
		provider: provider,
		logger:   logger.WithComponent("system"),
	}

	s.Bus = bus.NewMemoryBus(bus.Config{
		MailboxCapacity: cfg.Bus.MailboxCapacity,
		Logger:          logger,
	})
	s.Registry = registry.NewMemoryRegistry(registry.Config{
		DegradedThreshold: cfg.Registry.DegradedThreshold,
		WatchBuffer:       cfg.Registry.WatchBuffer,
		Logger:            logger,
	})

	if err := s.buildOrchestrator(); err != nil {
		s.discard(ctx)
		return nil, err
	}
	if cfg.Heartbeat.Enabled {
		if err := s.buildHeartbeat(); err != nil {
			s.discard(ctx)
			return nil, err
		}
	}
	if cfg.Audit.Enabled || len(o.extraSinks) > 0 {
		if err := s.buildAudit(o.extraSinks); err != nil {
			s.discard(ctx)
			return nil, err
		}
	}

	s.coord = s.buildShutdown()
	return s, nil
}

func (s *System) buildOrchestrator() error {
	pc := s.Config.Pipeline
	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		ID:          pc.OrchestratorID,
		Bus:         s.Bus,
		Reporter:    s.Registry,
		StepTimeout: pc.StepTimeout.D(),
		RecentTTL:   pc.RecentTTL.D(),
		Logger:      s.Logger,
		Tracer:      s.Tracer,
	})
	if err != nil {
		return err
	}
	for _, wf := range Workflows(pc.Workflows) {
		if err := orch.RegisterWorkflow(wf); err != nil {
			return errors.Wrap(err, "workflow "+wf.Name)
		}
	}
	s.Orchestrator = orch
	return s.Registry.Register(registry.AgentRecord{
		ID:           orch.ID(),
		DisplayName:  "Pipeline orchestrator",
		Category:     registry.CategoryCoordinator,
		Capabilities: []string{pipeline.RequestRunPipeline},
		Kind:         registry.KindReal,
		Handle:       orch,
	})
}

func (s *System) buildHeartbeat() error {
	hb := s.Config.Heartbeat
	b, err := heartbeat.NewBroadcaster(heartbeat.BroadcasterConfig{
		Bus:      s.Bus,
		Interval: hb.Interval.D(),
		Logger:   s.Logger,
	})
	if err != nil {
		return err
	}
	m, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Bus:             s.Bus,
		Registry:        s.Registry,
		IdleAfter:       hb.IdleAfter.D(),
		DisconnectAfter: hb.DisconnectAfter.D(),
		CheckInterval:   hb.CheckInterval.D(),
		Logger:          s.Logger,
	})
	if err != nil {
		return err
	}
	s.Broadcaster, s.Monitor = b, m
	return nil
}

func (s *System) buildAudit(extra []audit.Sink) error {
	ac := s.Config.Audit
	var sinks audit.MultiSink
	if ac.Enabled {
		format, err := audit.ParseFormat(ac.Format)
		if err != nil {
			return err
		}
		for _, name := range ac.Sinks {
			switch name {
			case "log":
				sinks = append(sinks, audit.NewLogSink(s.Logger))
			case "nats":
				nc := audit.DefaultNATSConfig()
				nc.URL = ac.NATS.URL
				nc.Name = ac.NATS.Name
				nc.Token = ac.NATS.Token
				nc.User = ac.NATS.User
				nc.Password = ac.NATS.Password
				if ac.NATS.SubjectPrefix != "" {
					nc.SubjectPrefix = ac.NATS.SubjectPrefix
				}
				nc.Format = format
				sink, err := audit.NewNATSSink(nc)
				if err != nil {
					sinks.Close()
					return errors.Wrap(err, "audit nats sink")
				}
				sinks = append(sinks, sink)
			}
		}
	}
	sinks = append(sinks, extra...)

	tap, err := audit.NewTap(audit.TapConfig{
		Bus:    s.Bus,
		Sink:   sinks,
		Buffer: ac.Buffer,
		Logger: s.Logger,
	})
	if err != nil {
		sinks.Close()
		return err
	}
	s.Tap = tap
	return nil
}

func (s *System) buildShutdown() *shutdown.Coordinator {
	cfg := shutdown.DefaultConfig()
	if t := s.Config.Shutdown.Timeout.D(); t > 0 {
		cfg.DefaultTimeout = t
	}
	cfg.Logger = s.Logger
	coord := shutdown.NewCoordinator(cfg)

	if s.Broadcaster != nil {
		coord.RegisterFuncWithPhase("heartbeat.broadcaster", stopStarted(s.Broadcaster.Stop), shutdown.PhaseLiveness)
		coord.RegisterFuncWithPhase("heartbeat.monitor", stopStarted(s.Monitor.Stop), shutdown.PhaseLiveness)
	}
	coord.RegisterFuncWithPhase("agents", func(ctx context.Context) error {
		return s.Registry.ShutdownAll(ctx).Err()
	}, shutdown.PhaseAgents)
	if s.Tap != nil {
		coord.RegisterFuncWithPhase("audit", s.Tap.Stop, shutdown.PhaseTransport)
	}
	coord.RegisterFuncWithPhase("registry", func(context.Context) error {
		return s.Registry.Close()
	}, shutdown.PhaseTransport)
	coord.RegisterFuncWithPhase("bus", func(context.Context) error {
		return s.Bus.Close()
	}, shutdown.PhaseTransport)
	coord.RegisterFuncWithPhase("telemetry", s.provider.Shutdown, shutdown.PhaseTransport)
	return coord
}

// stopStarted treats stopping a heartbeat component that never started as
// success, which happens when Start failed part way.
func stopStarted(stop func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := stop(ctx); err != nil && !stderrors.Is(err, heartbeat.ErrNotStarted) {
			return err
		}
		return nil
	}
}

// discard releases what New built before it failed.
func (s *System) discard(ctx context.Context) {
	if s.Registry != nil {
		s.Registry.Close()
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	s.provider.Shutdown(ctx)
}

// AgentConfig returns a runtime config for id wired to this system's bus,
// registry, logger and tracer with the configured agent defaults.
func (s *System) AgentConfig(id string) agent.Config {
	cfg := agent.DefaultConfig()
	cfg.ID = id
	cfg.Bus = s.Bus
	cfg.Reporter = s.Registry
	cfg.Logger = s.Logger
	cfg.Tracer = s.Tracer
	if s.Config.Agent.FailureThreshold > 0 {
		cfg.FailureThreshold = s.Config.Agent.FailureThreshold
	}
	if t := s.Config.Agent.ReplyTimeout.D(); t > 0 {
		cfg.ReplyTimeout = t
	}
	return cfg
}

// Register adds a record to the registry. A record displaced by
// registry.WithReplace has its Handle stopped first, so a stub never keeps
// consuming next to the agent that replaced it. When the system is already
// running, a record with a Handle is started immediately.
func (s *System) Register(ctx context.Context, rec registry.AgentRecord, opts ...registry.RegisterOption) error {
	var replaced registry.AgentRecord
	opts = append(opts, registry.WithReplaced(&replaced))
	if err := s.Registry.Register(rec, opts...); err != nil {
		return err
	}
	if replaced.Handle != nil {
		if err := replaced.Handle.Stop(ctx); err != nil {
			s.Registry.SetStatus(rec.ID, registry.StatusError)
			return errors.Wrap(err, "stop replaced "+rec.ID, errors.WithAgentID(rec.ID))
		}
		s.logger.Info("replaced", map[string]interface{}{
			"agent": rec.ID,
			"from":  replaced.Kind,
			"to":    rec.Kind,
		})
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started || rec.Handle == nil {
		return nil
	}
	if err := s.Registry.SetStatus(rec.ID, registry.StatusInitializing); err != nil {
		return err
	}
	if err := rec.Handle.Start(ctx); err != nil {
		s.Registry.SetStatus(rec.ID, registry.StatusError)
		return errors.Wrap(err, "start "+rec.ID, errors.WithAgentID(rec.ID))
	}
	return s.Registry.SetStatus(rec.ID, registry.StatusActive)
}

// Start brings the system up: the audit tap first so nothing published is
// missed, then every registered agent, then the liveness pair. Agents that
// fail to start are reported in the summary and do not stop the others.
func (s *System) Start(ctx context.Context) (registry.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return registry.Summary{}, errors.New(errors.ErrCodeInvalidInput, "system already started")
	}

	if s.Tap != nil {
		if err := s.Tap.Start(ctx); err != nil {
			return registry.Summary{}, err
		}
	}
	summary := s.Registry.InitializeAll(ctx)
	if s.Monitor != nil {
		if err := s.Monitor.Start(ctx); err != nil {
			return summary, err
		}
		if err := s.Broadcaster.Start(ctx); err != nil {
			return summary, err
		}
	}
	s.started = true

	s.logger.Info("started", map[string]interface{}{
		"agents":    len(summary.Outcomes),
		"failed":    summary.Failed,
		"workflows": len(s.Orchestrator.Workflows()),
		"heartbeat": s.Monitor != nil,
		"audit":     s.Tap != nil,
	})
	return summary, nil
}

// Coordinator returns the shutdown coordinator, for signal handling.
func (s *System) Coordinator() *shutdown.Coordinator {
	return s.coord
}

// Stop runs the phased shutdown once. Later calls return
// shutdown.ErrAlreadyShutdown after the first completes.
func (s *System) Stop(ctx context.Context) error {
	return s.coord.Shutdown(ctx)
}

// Health returns the aggregate registry health.
func (s *System) Health() registry.Health {
	return s.Registry.AggregateHealth()
}

// Report is a point-in-time view of the whole system.
type Report struct {
	Health   registry.Health     `json:"health"`
	Agents   []AgentReport       `json:"agents"`
	Bus      bus.MetricsSnapshot `json:"bus"`
	Pipeline pipeline.Stats      `json:"pipeline"`
	Liveness []heartbeat.Status  `json:"liveness,omitempty"`
	Audit    *audit.TapStats     `json:"audit,omitempty"`
}

// AgentReport is one registry record in a Report.
type AgentReport struct {
	ID       string            `json:"id"`
	Category registry.Category `json:"category,omitempty"`
	Status   registry.Status   `json:"status"`
	Kind     registry.Kind     `json:"kind,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Report collects health, per-agent status, bus metrics and pipeline
// counters.
func (s *System) Report() Report {
	r := Report{
		Health:   s.Registry.AggregateHealth(),
		Bus:      s.Bus.Metrics(),
		Pipeline: s.Orchestrator.Stats(),
	}
	for _, rec := range s.Registry.List(nil) {
		r.Agents = append(r.Agents, AgentReport{
			ID:       rec.ID,
			Category: rec.Category,
			Status:   rec.Status,
			Kind:     rec.Kind,
			Metadata: rec.Metadata,
		})
	}
	if s.Monitor != nil {
		r.Liveness = s.Monitor.Snapshot()
	}
	if s.Tap != nil {
		st := s.Tap.Stats()
		r.Audit = &st
	}
	return r
}

// RunPipeline triggers workflow on the orchestrator from a temporary
// caller mailbox and waits for the terminal reply. A failed pipeline is
// returned as the reply, not as an error; err covers only transport
// problems and ctx expiry.
func (s *System) RunPipeline(ctx context.Context, workflow string, params map[string]any, opts ...message.Option) (*message.Message, error) {
	caller := "caller-" + uuid.NewString()
	mb, err := s.Bus.Subscribe(caller)
	if err != nil {
		return nil, err
	}
	defer s.Bus.Unsubscribe(caller)

	p := make(map[string]any, len(params)+1)
	for k, v := range params {
		p[k] = v
	}
	p[pipeline.ParamWorkflow] = workflow
	req, err := message.New(caller, s.Orchestrator.ID(), message.TypeRequest,
		message.RequestPayload(pipeline.RequestRunPipeline, p), opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Bus.Publish(ctx, req); err != nil {
		return nil, err
	}

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil, err
		}
		if msg.CorrelationID() == req.ID() {
			return msg, nil
		}
	}
}

// Workflows converts configured workflows to orchestrator definitions.
func Workflows(cfgs []config.WorkflowConfig) []pipeline.Workflow {
	out := make([]pipeline.Workflow, 0, len(cfgs))
	for _, wc := range cfgs {
		wf := pipeline.Workflow{Name: wc.Name}
		for _, sc := range wc.Steps {
			wf.Steps = append(wf.Steps, pipeline.Step{
				Name:        sc.Name,
				Agent:       sc.Agent,
				RequestType: sc.RequestType,
				Params:      sc.Params,
				Timeout:     sc.Timeout.D(),
			})
		}
		out = append(out, wf)
	}
	return out
}
