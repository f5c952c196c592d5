package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/agent"
	agenterrors "github.com/agentmesh/agentmesh/errors"
	"github.com/agentmesh/agentmesh/storage"
)

// stubInstance is a controllable worker handle for tests.
type stubInstance struct {
	id string

	mu      sync.Mutex
	state   agent.RunState
	stopped bool
	stopErr error
}

func newStubInstance(id string) *stubInstance {
	return &stubInstance{id: id, state: agent.RunStateRunning}
}

func (s *stubInstance) ID() string { return s.id }

func (s *stubInstance) RunState() agent.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubInstance) setRunState(state agent.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *stubInstance) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return s.stopErr
}

func (s *stubInstance) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(Config{Backend: storage.NewMemoryBackend()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return reg
}

func TestRegistry_Register(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, RegisterRequest{
		AgentID:      "agent-1",
		Capabilities: []string{"analyze", "summarize"},
		Tags:         []string{"gpu"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id != "agent-1" {
		t.Errorf("expected id agent-1, got %s", id)
	}

	rec, err := reg.AgentInfo(ctx, id)
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if rec.Status != agent.StatusRegistered {
		t.Errorf("expected status registered, got %s", rec.Status)
	}
	if rec.LastHeartbeat == nil {
		t.Error("expected initial heartbeat to be set")
	}
	if rec.Health != agent.HealthHealthy {
		t.Errorf("expected fresh agent healthy, got %s", rec.Health)
	}
	if rec.Metrics.SuccessRate != 1.0 {
		t.Errorf("expected initial success rate 1.0, got %f", rec.Metrics.SuccessRate)
	}
}

func TestRegistry_RegisterGeneratesID(t *testing.T) {
	reg := newTestRegistry(t)

	id, err := reg.Register(context.Background(), RegisterRequest{
		Capabilities: []string{"translate"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	_, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"})
	if err == nil {
		t.Fatal("expected duplicate register to fail")
	}
	if !agenterrors.Is(err, agenterrors.ErrCodeAlreadyRegistered) {
		t.Errorf("expected ALREADY_REGISTERED, got %v", err)
	}
}

func TestRegistry_RegisterAfterDeregisterReusesID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if ok, err := reg.Deregister(ctx, "agent-1"); err != nil || !ok {
		t.Fatalf("deregister failed: ok=%v err=%v", ok, err)
	}
	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("re-register after deregister failed: %v", err)
	}
}

func TestRegistry_RegisterWithInstance(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst := newStubInstance("agent-1")
	id, err := reg.Register(ctx, RegisterRequest{Instance: inst})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if id != "agent-1" {
		t.Errorf("expected id from instance, got %s", id)
	}

	rec, err := reg.AgentInfo(ctx, id)
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if rec.Status != agent.StatusActive {
		t.Errorf("expected running instance to register active, got %s", rec.Status)
	}

	got, ok := reg.AgentInstance(id)
	if !ok || got != agent.Instance(inst) {
		t.Error("expected AgentInstance to return the registered handle")
	}
}

func TestRegistry_Deregister(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst := newStubInstance("agent-1")
	if _, err := reg.Register(ctx, RegisterRequest{Instance: inst}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	ok, err := reg.Deregister(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if !ok {
		t.Error("expected deregister to report true")
	}
	if !inst.wasStopped() {
		t.Error("expected instance Stop to be called")
	}
	if _, ok := reg.AgentInstance("agent-1"); ok {
		t.Error("expected instance handle to be removed")
	}
	if _, err := reg.AgentInfo(ctx, "agent-1"); !agenterrors.Is(err, agenterrors.ErrCodeUnknownAgent) {
		t.Errorf("expected UNKNOWN_AGENT after deregister, got %v", err)
	}

	// Second call is a no-op, not an error.
	ok, err = reg.Deregister(ctx, "agent-1")
	if err != nil {
		t.Fatalf("repeated Deregister failed: %v", err)
	}
	if ok {
		t.Error("expected repeated deregister to report false")
	}
}

func TestRegistry_DeregisterUnknown(t *testing.T) {
	reg := newTestRegistry(t)

	ok, err := reg.Deregister(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Deregister failed: %v", err)
	}
	if ok {
		t.Error("expected deregister of unknown agent to report false")
	}
}

func TestRegistry_Heartbeat(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	before, _ := reg.AgentInfo(ctx, "agent-1")

	ok, err := reg.Heartbeat(ctx, "agent-1", &agent.Metrics{
		CPUUsage:    0.42,
		TaskCount:   7,
		SuccessRate: 0.95,
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !ok {
		t.Error("expected heartbeat for live agent to report true")
	}

	after, err := reg.AgentInfo(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if after.Metrics.TaskCount != 7 || after.Metrics.CPUUsage != 0.42 {
		t.Errorf("expected metrics to be replaced, got %+v", after.Metrics)
	}
	if after.LastHeartbeat.Before(*before.LastHeartbeat) {
		t.Error("expected heartbeat timestamp to advance")
	}
}

func TestRegistry_HeartbeatUnknown(t *testing.T) {
	reg := newTestRegistry(t)

	ok, err := reg.Heartbeat(context.Background(), "nobody", nil)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if ok {
		t.Error("expected heartbeat for unknown agent to report false")
	}
}

func TestRegistry_HeartbeatDerivesStatusFromInstance(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	inst := newStubInstance("agent-1")
	if _, err := reg.Register(ctx, RegisterRequest{Instance: inst}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	inst.setRunState(agent.RunStateStopped)
	if _, err := reg.Heartbeat(ctx, "agent-1", nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	rec, _ := reg.AgentInfo(ctx, "agent-1")
	if rec.Status != agent.StatusInactive {
		t.Errorf("expected stopped instance to report inactive, got %s", rec.Status)
	}
}

func TestRegistry_HeartbeatDegradesHealth(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if _, err := reg.Heartbeat(ctx, "agent-1", &agent.Metrics{SuccessRate: 0.5}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	rec, _ := reg.AgentInfo(ctx, "agent-1")
	if rec.Health != agent.HealthWarning {
		t.Errorf("expected low success rate to degrade to warning, got %s", rec.Health)
	}

	// Recovered metrics restore healthy.
	if _, err := reg.Heartbeat(ctx, "agent-1", &agent.Metrics{SuccessRate: 0.99}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	rec, _ = reg.AgentInfo(ctx, "agent-1")
	if rec.Health != agent.HealthHealthy {
		t.Errorf("expected recovery to healthy, got %s", rec.Health)
	}
}

func TestRegistry_FindAgents(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	register := func(id string, caps, tags []string) {
		t.Helper()
		if _, err := reg.Register(ctx, RegisterRequest{AgentID: id, Capabilities: caps, Tags: tags}); err != nil {
			t.Fatalf("register %s failed: %v", id, err)
		}
	}
	register("agent-b", []string{"analyze", "summarize"}, []string{"gpu"})
	register("agent-a", []string{"analyze"}, []string{"gpu", "spot"})
	register("agent-c", []string{"translate"}, nil)

	tests := []struct {
		name     string
		criteria agent.Criteria
		want     []string
	}{
		{
			name: "single capability",
			criteria: agent.Criteria{
				Capabilities: []string{"analyze"},
			},
			want: []string{"agent-a", "agent-b"},
		},
		{
			name: "capability and tag intersect",
			criteria: agent.Criteria{
				Capabilities: []string{"analyze"},
				Tags:         []string{"spot"},
			},
			want: []string{"agent-a"},
		},
		{
			name: "all capabilities required",
			criteria: agent.Criteria{
				Capabilities: []string{"analyze", "summarize"},
			},
			want: []string{"agent-b"},
		},
		{
			name:     "empty criteria match all",
			criteria: agent.Criteria{},
			want:     []string{"agent-a", "agent-b", "agent-c"},
		},
		{
			name: "limit applies after sort",
			criteria: agent.Criteria{
				Limit: 2,
			},
			want: []string{"agent-a", "agent-b"},
		},
		{
			name: "no match",
			criteria: agent.Criteria{
				Capabilities: []string{"paint"},
			},
			want: []string{},
		},
		{
			name: "status filter",
			criteria: agent.Criteria{
				Status: agent.StatusRegistered,
			},
			want: []string{"agent-a", "agent-b", "agent-c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.FindAgents(tt.criteria)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestRegistry_FindAgentsReflectsDeregister(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"agent-1", "agent-2"} {
		if _, err := reg.Register(ctx, RegisterRequest{AgentID: id, Capabilities: []string{"analyze"}}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	if _, err := reg.Deregister(ctx, "agent-1"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	got := reg.FindAgents(agent.Criteria{Capabilities: []string{"analyze"}})
	if len(got) != 1 || got[0] != "agent-2" {
		t.Errorf("expected [agent-2], got %v", got)
	}
}

func TestRegistry_Stats(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1", Capabilities: []string{"analyze"}, Tags: []string{"gpu"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-2", Capabilities: []string{"analyze"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	stats := reg.Stats()
	if stats.TotalAgents != 2 {
		t.Errorf("expected 2 agents, got %d", stats.TotalAgents)
	}
	if stats.Capabilities["analyze"] != 2 {
		t.Errorf("expected 2 agents with analyze, got %d", stats.Capabilities["analyze"])
	}
	if stats.Tags["gpu"] != 1 {
		t.Errorf("expected 1 gpu agent, got %d", stats.Tags["gpu"])
	}
	if stats.ByStatus[agent.StatusRegistered.String()] != 2 {
		t.Errorf("expected 2 registered, got %v", stats.ByStatus)
	}
	if stats.Performance == nil {
		t.Error("expected performance snapshot")
	}
}

func TestRegistry_Events(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []Event
	record := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}
	reg.SubscribeFunc(EventAgentRegistered, "test", record)
	reg.SubscribeFunc(EventAgentDeregistered, "test", record)

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := reg.Deregister(ctx, "agent-1"); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != EventAgentRegistered || got[0].AgentID != "agent-1" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Type != EventAgentDeregistered {
		t.Errorf("unexpected second event: %+v", got[1])
	}
	if got[1].Registration == nil || got[1].Registration.Status != agent.StatusDeregistered {
		t.Error("expected deregistered event to carry final record state")
	}
}

func TestRegistry_EventSubscriberPanicIsolated(t *testing.T) {
	reg := newTestRegistry(t)

	reg.SubscribeFunc(EventAgentRegistered, "bad", func(Event) {
		panic("subscriber bug")
	})

	if _, err := reg.Register(context.Background(), RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register should survive a panicking subscriber: %v", err)
	}
}

func TestRegistry_StartStop(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := reg.Start(ctx); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := reg.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := reg.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	// Shutdown deregisters remaining agents.
	if ids := reg.FindAgents(agent.Criteria{}); len(ids) != 0 {
		t.Errorf("expected no agents after stop, got %v", ids)
	}
}

func TestRegistry_ConcurrentOperations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%03d", i)
			if _, err := reg.Register(ctx, RegisterRequest{AgentID: id, Capabilities: []string{"analyze"}}); err != nil {
				t.Errorf("register %s failed: %v", id, err)
				return
			}
			if _, err := reg.Heartbeat(ctx, id, &agent.Metrics{SuccessRate: 1.0}); err != nil {
				t.Errorf("heartbeat %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(reg.FindAgents(agent.Criteria{Capabilities: []string{"analyze"}})); got != n {
		t.Errorf("expected %d agents, got %d", n, got)
	}
}

func TestRegistry_ConcurrentDuplicateRegister(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := reg.Register(ctx, RegisterRequest{AgentID: "contested"}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("expected exactly one successful registration, got %d", ok)
	}
}

func TestRegistry_MultipleInstancesSameProcess(t *testing.T) {
	backend := storage.NewMemoryBackend()
	regA, err := New(Config{Backend: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	regB, err := New(Config{Backend: storage.NewMemoryBackend()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := regA.Register(ctx, RegisterRequest{AgentID: "shared-id"}); err != nil {
		t.Fatalf("register in A failed: %v", err)
	}
	// Distinct registries with distinct backends do not interfere.
	if _, err := regB.Register(ctx, RegisterRequest{AgentID: "shared-id"}); err != nil {
		t.Fatalf("register in B failed: %v", err)
	}

	if len(regA.FindAgents(agent.Criteria{})) != 1 || len(regB.FindAgents(agent.Criteria{})) != 1 {
		t.Error("expected each registry to track its own agent")
	}
}

func TestRegistry_HealthSweepMarksStaleAgentFailed(t *testing.T) {
	backend := storage.NewMemoryBackend()
	reg, err := New(Config{Backend: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1", HeartbeatSeconds: 30}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Age the stored heartbeat past interval times grace (30s * 2 = 60s).
	rec, err := backend.Load(ctx, "agent-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	old := time.Now().Add(-90 * time.Second)
	rec.LastHeartbeat = &old
	if err := backend.Save(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	var events []Event
	reg.SubscribeFunc(EventHealthChanged, "test", func(ev Event) {
		events = append(events, ev)
	})

	reg.sweepHealth(ctx)

	got, err := reg.AgentInfo(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if got.Health != agent.HealthCritical {
		t.Errorf("expected critical health, got %s", got.Health)
	}
	if got.Status != agent.StatusFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if len(events) != 1 || events[0].NewHealth != agent.HealthCritical {
		t.Errorf("expected one health-changed event to critical, got %+v", events)
	}

	// A fresh heartbeat brings the agent back.
	ok, err := reg.Heartbeat(ctx, "agent-1", nil)
	if err != nil || !ok {
		t.Fatalf("heartbeat after failure: ok=%v err=%v", ok, err)
	}
	got, _ = reg.AgentInfo(ctx, "agent-1")
	if got.Health != agent.HealthHealthy {
		t.Errorf("expected recovery to healthy, got %s", got.Health)
	}
}

// flakyLoadBackend fails Load on demand while passing everything else through.
type flakyLoadBackend struct {
	storage.Backend
	failLoads atomic.Bool
}

func (b *flakyLoadBackend) Load(ctx context.Context, agentID string) (*agent.Registration, error) {
	if b.failLoads.Load() {
		return nil, errors.New("backend unavailable")
	}
	return b.Backend.Load(ctx, agentID)
}

func TestRegistry_HealthSweepSkipsAgentOnStorageReadFailure(t *testing.T) {
	backend := &flakyLoadBackend{Backend: storage.NewMemoryBackend()}
	reg, err := New(Config{Backend: backend})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1", HeartbeatSeconds: 30}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	backend.failLoads.Store(true)
	reg.sweepHealth(ctx)
	backend.failLoads.Store(false)

	// The unreadable agent must be skipped for the cycle, not failed.
	got, err := reg.AgentInfo(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if got.Status != agent.StatusActive {
		t.Errorf("expected status to survive the sweep, got %s", got.Status)
	}
	if got.Health != agent.HealthHealthy {
		t.Errorf("expected health to survive the sweep, got %s", got.Health)
	}
	ids := reg.FindAgents(agent.Criteria{})
	if len(ids) != 1 || ids[0] != "agent-1" {
		t.Errorf("expected agent to stay indexed, got %+v", ids)
	}
}

// gaugedBackend tracks the peak number of concurrent storage operations.
type gaugedBackend struct {
	storage.Backend
	inflight atomic.Int64
	peak     atomic.Int64
}

func (b *gaugedBackend) track() func() {
	n := b.inflight.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return func() { b.inflight.Add(-1) }
}

func (b *gaugedBackend) Save(ctx context.Context, rec *agent.Registration) error {
	defer b.track()()
	return b.Backend.Save(ctx, rec)
}

func (b *gaugedBackend) Load(ctx context.Context, agentID string) (*agent.Registration, error) {
	defer b.track()()
	return b.Backend.Load(ctx, agentID)
}

func TestRegistry_MaxConcurrentCapsBackendOperations(t *testing.T) {
	backend := &gaugedBackend{Backend: storage.NewMemoryBackend()}
	reg, err := New(Config{Backend: backend, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n)
			if _, err := reg.Register(ctx, RegisterRequest{AgentID: id}); err != nil {
				t.Errorf("register %s failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if peak := backend.peak.Load(); peak > 2 {
		t.Errorf("expected at most 2 concurrent backend operations, saw %d", peak)
	}
}

func TestRegistry_AgentInfoReloadsStaleCache(t *testing.T) {
	backend := storage.NewMemoryBackend()
	reg, err := New(Config{Backend: backend, CacheTTL: time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Mutate the backend directly, then wait out the TTL.
	rec, _ := backend.Load(ctx, "agent-1")
	rec.Version = "v2"
	if err := backend.Save(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	got, err := reg.AgentInfo(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if got.Version != "v2" {
		t.Errorf("expected stale cache entry to be reloaded, got version %q", got.Version)
	}
}

func TestRegistry_ConfigValidation(t *testing.T) {
	if _, err := New(Config{}); err != ErrNilBackend {
		t.Errorf("expected ErrNilBackend, got %v", err)
	}

	cfg := DefaultConfig(storage.NewMemoryBackend())
	if cfg.CacheTTL != DefaultCacheTTL {
		t.Errorf("expected default cache TTL, got %v", cfg.CacheTTL)
	}
	if cfg.GraceMultiplier != DefaultGraceMultiplier {
		t.Errorf("expected default grace multiplier, got %v", cfg.GraceMultiplier)
	}
	if cfg.CleanupInterval != DefaultCacheTTL/2 {
		t.Errorf("expected cleanup interval of half the TTL, got %v", cfg.CleanupInterval)
	}
}
