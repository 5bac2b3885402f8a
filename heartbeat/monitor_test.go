package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type monitorFixture struct {
	bus     *bus.MemoryBus
	reg     *registry.MemoryRegistry
	clock   *fakeClock
	monitor *Monitor
}

func newMonitorFixture(t *testing.T, ids ...string) *monitorFixture {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	reg := registry.NewMemoryRegistry(registry.DefaultConfig())
	t.Cleanup(func() {
		reg.Close()
		b.Close()
	})

	for _, id := range ids {
		if err := reg.Register(registry.AgentRecord{ID: id, Category: registry.CategoryAnalytics, Status: registry.StatusActive}); err != nil {
			t.Fatalf("Register error: %v", err)
		}
	}

	// Registration time is the silence baseline.
	rec, _ := reg.Lookup(ids[0])
	clock := &fakeClock{now: rec.RegisteredAt}

	cfg := DefaultMonitorConfig()
	cfg.Bus = b
	cfg.Registry = reg
	cfg.IdleAfter = 10 * time.Second
	cfg.DisconnectAfter = 30 * time.Second
	cfg.CheckInterval = time.Hour
	cfg.Now = clock.Now
	m, err := NewMonitor(cfg)
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background()) })

	return &monitorFixture{bus: b, reg: reg, clock: clock, monitor: m}
}

func (f *monitorFixture) liveness(t *testing.T, id string) Liveness {
	t.Helper()
	l, ok := f.monitor.Classify(id)
	if !ok {
		t.Fatalf("agent %s not tracked", id)
	}
	return l
}

// --- Unit Tests ---

func TestClassify(t *testing.T) {
	tests := []struct {
		silence time.Duration
		want    Liveness
	}{
		{0, Connected},
		{9 * time.Second, Connected},
		{10 * time.Second, Idle},
		{29 * time.Second, Idle},
		{30 * time.Second, Disconnected},
		{time.Hour, Disconnected},
	}
	for _, tt := range tests {
		if got := Classify(tt.silence, 10*time.Second, 30*time.Second); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.silence, got, tt.want)
		}
	}
}

func TestMonitorConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	reg := registry.NewMemoryRegistry(registry.DefaultConfig())
	defer reg.Close()

	tests := []struct {
		name    string
		cfg     MonitorConfig
		wantErr bool
	}{
		{"valid", MonitorConfig{Bus: b, Registry: reg}, false},
		{"missing bus", MonitorConfig{Registry: reg}, true},
		{"missing registry", MonitorConfig{Bus: b}, true},
		{"negative idle", MonitorConfig{Bus: b, Registry: reg, IdleAfter: -time.Second}, true},
		{"inverted thresholds", MonitorConfig{Bus: b, Registry: reg, IdleAfter: time.Minute, DisconnectAfter: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultMonitorConfig(t *testing.T) {
	cfg := DefaultMonitorConfig()
	if cfg.IdleAfter != 15*time.Second {
		t.Errorf("IdleAfter = %v, want 15s", cfg.IdleAfter)
	}
	if cfg.DisconnectAfter != 30*time.Second {
		t.Errorf("DisconnectAfter = %v, want 30s", cfg.DisconnectAfter)
	}
	if cfg.CheckInterval != time.Second {
		t.Errorf("CheckInterval = %v, want 1s", cfg.CheckInterval)
	}
}

// --- Integration Tests ---

func TestMonitor_SilentAgentIsEvicted(t *testing.T) {
	f := newMonitorFixture(t, "x", "y")

	if got := f.liveness(t, "x"); got != Connected {
		t.Errorf("fresh agent = %v, want connected", got)
	}

	f.clock.Advance(15 * time.Second)
	if got := f.liveness(t, "x"); got != Idle {
		t.Errorf("after 15s = %v, want idle", got)
	}

	// y keeps talking; x stays silent.
	f.clock.Advance(16 * time.Second)
	f.bus.Publish(context.Background(), message.MustNew("y", message.Broadcast, message.TypeNotification, nil))
	f.monitor.Check()

	if got := f.liveness(t, "x"); got != Disconnected {
		t.Fatalf("after 31s = %v, want disconnected", got)
	}
	if got := f.liveness(t, "y"); got != Connected {
		t.Errorf("y = %v, want connected", got)
	}

	status, _ := f.reg.Status("x")
	if status != registry.StatusDisconnected {
		t.Errorf("registry status = %v, want disconnected", status)
	}
	health := f.reg.AggregateHealth()
	if health.Active != 1 || health.Total != 2 {
		t.Errorf("health = %+v, want 1 active of 2", health)
	}
	if _, err := f.reg.Lookup("x"); err != nil {
		t.Errorf("evicted agent should stay registered: %v", err)
	}
}

func TestMonitor_TrafficReinstates(t *testing.T) {
	f := newMonitorFixture(t, "x")

	f.clock.Advance(time.Minute)
	f.monitor.Check()
	if status, _ := f.reg.Status("x"); status != registry.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", status)
	}

	// Any message counts, not only heartbeat replies.
	if err := f.bus.Publish(context.Background(), message.MustNew("x", message.Broadcast, message.TypeNotification, nil)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	f.monitor.Check()

	if got := f.liveness(t, "x"); got != Connected {
		t.Errorf("liveness = %v, want connected", got)
	}
	if status, _ := f.reg.Status("x"); status != registry.StatusActive {
		t.Errorf("status = %v, want active", status)
	}
	rec, _ := f.reg.Lookup("x")
	if !rec.LastSeen.Equal(f.clock.Now()) {
		t.Errorf("registry LastSeen = %v, want %v", rec.LastSeen, f.clock.Now())
	}
}

func TestMonitor_OnChange(t *testing.T) {
	f := newMonitorFixture(t, "x")

	type transition struct{ from, to Liveness }
	var mu sync.Mutex
	var got []transition
	f.monitor.OnChange(func(id string, from, to Liveness) {
		mu.Lock()
		got = append(got, transition{from, to})
		mu.Unlock()
	})

	f.clock.Advance(12 * time.Second)
	f.monitor.Check()
	f.monitor.Check() // no change, no callback
	f.clock.Advance(20 * time.Second)
	f.monitor.Check()

	mu.Lock()
	defer mu.Unlock()
	want := []transition{{Connected, Idle}, {Idle, Disconnected}}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMonitor_TracksLateRegistrations(t *testing.T) {
	f := newMonitorFixture(t, "x")

	if err := f.reg.Register(registry.AgentRecord{ID: "late", Status: registry.StatusActive}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := f.monitor.Classify("late"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("late registration not tracked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := f.reg.Deregister("late"); err != nil {
		t.Fatalf("Deregister error: %v", err)
	}
	deadline = time.After(2 * time.Second)
	for {
		if _, ok := f.monitor.Classify("late"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deregistered agent still tracked")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitor_IgnoresUnregisteredSenders(t *testing.T) {
	f := newMonitorFixture(t, "x")

	f.bus.Publish(context.Background(), message.MustNew("stranger", message.Broadcast, message.TypeNotification, nil))
	if _, ok := f.monitor.Classify("stranger"); ok {
		t.Error("unregistered sender should not be tracked")
	}
	if snap := f.monitor.Snapshot(); len(snap) != 1 || snap[0].ID != "x" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	f := newMonitorFixture(t, "x")
	if err := f.monitor.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := f.monitor.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := f.monitor.Stop(context.Background()); err != ErrNotStarted {
		t.Errorf("second Stop = %v, want ErrNotStarted", err)
	}
}
