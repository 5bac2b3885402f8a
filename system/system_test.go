package system

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentbus/agent"
	"github.com/vinayprograms/agentbus/config"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/pipeline"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/shutdown"
)

// recordingSink keeps every audited message.
type recordingSink struct {
	mu     sync.Mutex
	msgs   []*message.Message
	closed bool
}

func (s *recordingSink) Write(ctx context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) requestTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.msgs {
		if rt := m.Payload().RequestType(); rt != "" {
			out = append(out, rt)
		}
	}
	return out
}

func newSystem(t *testing.T, cfg config.Config, opts ...Option) *System {
	t.Helper()
	opts = append([]Option{WithOutput(&bytes.Buffer{})}, opts...)
	s, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func startDemo(t *testing.T, s *System) {
	t.Helper()
	if err := s.InstallDemo(context.Background()); err != nil {
		t.Fatalf("InstallDemo error: %v", err)
	}
	summary, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("Start summary failed = %d: %v", summary.Failed, summary.Err())
	}
}

func runDemo(t *testing.T, s *System, params map[string]any) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := s.RunPipeline(ctx, DemoWorkflow, params)
	if err != nil {
		t.Fatalf("RunPipeline error: %v", err)
	}
	return reply
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Heartbeat.DisconnectAfter = cfg.Heartbeat.IdleAfter
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestNew_RegistersOrchestrator(t *testing.T) {
	s := newSystem(t, config.Default())

	rec, err := s.Registry.Lookup("orchestrator")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if rec.Category != registry.CategoryCoordinator || !rec.HasCapability(pipeline.RequestRunPipeline) {
		t.Errorf("orchestrator record = %+v", rec)
	}
	if s.Monitor == nil || s.Broadcaster == nil {
		t.Error("heartbeat is enabled by default")
	}
	if s.Tap != nil {
		t.Error("audit is disabled by default")
	}
}

func TestSystem_RunsDemoPipeline(t *testing.T) {
	s := newSystem(t, config.Default())
	startDemo(t, s)

	reply := runDemo(t, s, nil)
	if reply.Type() != message.TypeResponse || reply.SignalsFailure() {
		t.Fatalf("reply = %v payload %v", reply, reply.Payload())
	}
	p := reply.Payload()
	if p[pipeline.KeyWorkflow] != DemoWorkflow {
		t.Errorf("workflow = %v", p[pipeline.KeyWorkflow])
	}
	if p["mode"] != string(agent.ModeNormal) {
		t.Errorf("mode = %v, want normal", p["mode"])
	}
	want := "7 records, mean 17.86, trend up"
	if p["report"] != want {
		t.Errorf("report = %q, want %q", p["report"], want)
	}

	health := s.Health()
	if health.Total != 4 || health.Active != 4 || health.Degraded {
		t.Errorf("health = %+v", health)
	}
	if st := s.Orchestrator.Stats(); st.Completed != 1 || st.InFlight != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSystem_CallerValues(t *testing.T) {
	s := newSystem(t, config.Default())
	startDemo(t, s)

	reply := runDemo(t, s, map[string]any{ParamValues: []any{4.0, 2.0}})
	if got := reply.Payload()["report"]; got != "2 records, mean 3.00, trend down" {
		t.Errorf("report = %v", got)
	}
}

func TestSystem_BadValuesFailPipeline(t *testing.T) {
	s := newSystem(t, config.Default())
	startDemo(t, s)

	reply := runDemo(t, s, map[string]any{ParamValues: []any{"x"}})
	if reply.Type() != message.TypeError {
		t.Fatalf("reply type = %s, want error", reply.Type())
	}
	if code := reply.Payload()[message.KeyCode]; code != string(errors.ErrCodePipelineStepFailed) {
		t.Errorf("code = %v", code)
	}
}

func TestSystem_DegradedAnalyzer(t *testing.T) {
	for _, mode := range []agent.Mode{agent.ModeFallback, agent.ModeMinimal} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := config.Default()
			cfg.Agent.Mode = string(mode)
			s := newSystem(t, cfg)
			startDemo(t, s)

			rec, err := s.Registry.Lookup(DemoAnalyzer)
			if err != nil {
				t.Fatalf("Lookup error: %v", err)
			}
			if rec.Metadata[agent.MetadataMode] != string(mode) {
				t.Errorf("registry mode = %q, want %q", rec.Metadata[agent.MetadataMode], mode)
			}
			if rec.Status != registry.StatusActive {
				t.Errorf("degraded agent status = %s, want active", rec.Status)
			}

			reply := runDemo(t, s, nil)
			if reply.SignalsFailure() {
				t.Fatalf("degraded pipeline failed: %v", reply.Payload())
			}
			if got := reply.Payload()["mode"]; got != string(mode) {
				t.Errorf("analysis mode = %v, want %s", got, mode)
			}
			if report, _ := reply.Payload()["report"].(string); !strings.HasPrefix(report, "7 records") {
				t.Errorf("report = %q", report)
			}
		})
	}
}

func TestSystem_UnknownWorkflow(t *testing.T) {
	s := newSystem(t, config.Default())
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := s.RunPipeline(ctx, "nope", nil)
	if err != nil {
		t.Fatalf("RunPipeline error: %v", err)
	}
	if reply.Type() != message.TypeError || reply.Payload()[message.KeyCode] != string(errors.ErrCodeNotFound) {
		t.Errorf("reply = %v payload %v", reply, reply.Payload())
	}
}

func TestSystem_ConfiguredWorkflow(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Workflows = []config.WorkflowConfig{{
		Name: "echo",
		Steps: []config.StepConfig{
			{Name: "only", Agent: "echoer", RequestType: "echo", Params: map[string]any{"tag": "cfg"}},
		},
	}}
	s := newSystem(t, cfg)

	rt, err := agent.New(s.AgentConfig("echoer"))
	if err != nil {
		t.Fatalf("agent.New error: %v", err)
	}
	rt.HandleRequest("echo", func(ctx context.Context, msg *message.Message) (message.Payload, error) {
		return message.Payload{"tag": msg.Payload().Params()["tag"]}, nil
	})
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	// Registered after Start: started on registration.
	if err := s.Register(context.Background(), registry.AgentRecord{ID: "echoer", Handle: rt}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if rt.State() != agent.StateActive {
		t.Fatalf("late agent state = %s, want active", rt.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := s.RunPipeline(ctx, "echo", nil)
	if err != nil {
		t.Fatalf("RunPipeline error: %v", err)
	}
	if reply.Payload()["tag"] != "cfg" {
		t.Errorf("reply payload = %v", reply.Payload())
	}
}

func TestSystem_ReplaceStubWithReal(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Workflows = []config.WorkflowConfig{{
		Name:  "whoami",
		Steps: []config.StepConfig{{Name: "only", Agent: "svc", RequestType: "whoami"}},
	}}
	s := newSystem(t, cfg)
	ctx := context.Background()

	newVariant := func(name string) *agent.Runtime {
		rt, err := agent.New(s.AgentConfig("svc"))
		if err != nil {
			t.Fatalf("agent.New error: %v", err)
		}
		rt.HandleRequest("whoami", func(ctx context.Context, msg *message.Message) (message.Payload, error) {
			return message.Payload{"who": name}, nil
		})
		return rt
	}
	stub, replacement := newVariant("stub"), newVariant("real")

	if err := s.Register(ctx, registry.AgentRecord{ID: "svc", Kind: registry.KindStub, Handle: stub}); err != nil {
		t.Fatalf("Register stub error: %v", err)
	}
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	err := s.Register(ctx, registry.AgentRecord{ID: "svc", Kind: registry.KindReal, Handle: replacement}, registry.WithReplace())
	if err != nil {
		t.Fatalf("Register real error: %v", err)
	}
	if stub.State() != agent.StateInactive {
		t.Errorf("stub state after replace = %s, want inactive", stub.State())
	}
	if replacement.State() != agent.StateActive {
		t.Errorf("replacement state after replace = %s, want active", replacement.State())
	}

	for i := 0; i < 3; i++ {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		reply, err := s.RunPipeline(runCtx, "whoami", nil)
		cancel()
		if err != nil {
			t.Fatalf("RunPipeline error: %v", err)
		}
		if who := reply.Payload()["who"]; who != "real" {
			t.Errorf("run %d answered by %v, want real", i, who)
		}
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	status, err := s.Registry.Status("svc")
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if status != registry.StatusInactive {
		t.Errorf("svc status after Stop = %s, want inactive", status)
	}
}

func TestSystem_AuditSink(t *testing.T) {
	sink := &recordingSink{}
	s := newSystem(t, config.Default(), WithAuditSink(sink))
	startDemo(t, s)
	runDemo(t, s, nil)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	got := strings.Join(sink.requestTypes(), ",")
	want := strings.Join([]string{pipeline.RequestRunPipeline, RequestCollect, RequestAnalyze, RequestReport}, ",")
	if got != want {
		t.Errorf("audited requests = %s, want %s", got, want)
	}
	if !sink.closed {
		t.Error("sink not closed on Stop")
	}
}

func TestSystem_Stop(t *testing.T) {
	s := newSystem(t, config.Default())
	startDemo(t, s)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	for _, rec := range s.Registry.List(nil) {
		if rec.Status != registry.StatusInactive {
			t.Errorf("%s status after Stop = %s, want inactive", rec.ID, rec.Status)
		}
	}
	if _, err := s.Bus.Subscribe("late"); !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("Subscribe after Stop = %v, want CLOSED", err)
	}
	if err := s.Stop(context.Background()); !stderrors.Is(err, shutdown.ErrAlreadyShutdown) {
		t.Errorf("second Stop = %v, want ErrAlreadyShutdown", err)
	}
}

func TestSystem_StartTwice(t *testing.T) {
	s := newSystem(t, config.Default())
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestSystem_Report(t *testing.T) {
	s := newSystem(t, config.Default())
	startDemo(t, s)
	runDemo(t, s, nil)

	r := s.Report()
	if len(r.Agents) != 4 {
		t.Fatalf("agents = %d, want 4", len(r.Agents))
	}
	if r.Agents[0].ID != "orchestrator" {
		t.Errorf("first agent = %s, want registration order", r.Agents[0].ID)
	}
	if r.Pipeline.Completed != 1 || r.Bus.Delivered == 0 {
		t.Errorf("report = %+v", r)
	}
	if len(r.Liveness) != 4 {
		t.Errorf("liveness entries = %d, want 4", len(r.Liveness))
	}
}

func TestWorkflows(t *testing.T) {
	wfs := Workflows([]config.WorkflowConfig{{
		Name: "w",
		Steps: []config.StepConfig{
			{Name: "a", Agent: "x", RequestType: "do", Timeout: config.Duration(time.Second)},
		},
	}})
	if len(wfs) != 1 || wfs[0].Steps[0].Timeout != time.Second || wfs[0].Steps[0].Agent != "x" {
		t.Errorf("Workflows = %+v", wfs)
	}
	if err := wfs[0].Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestForcedMode(t *testing.T) {
	for _, mode := range []agent.Mode{agent.ModeNormal, agent.ModeFallback, agent.ModeMinimal, ""} {
		got, _ := agent.SelectMode(context.Background(), ForcedMode(mode))
		want := mode
		if want == "" {
			want = agent.ModeNormal
		}
		if got != want {
			t.Errorf("ForcedMode(%q) selected %s", mode, got)
		}
	}
}
