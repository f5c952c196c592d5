package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/storage"
)

// fakeReporter captures heartbeats and returns a scripted answer.
type fakeReporter struct {
	mu      sync.Mutex
	calls   int
	metrics []*agent.Metrics
	ok      bool
	err     error
}

func (f *fakeReporter) Heartbeat(_ context.Context, _ string, m *agent.Metrics) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.metrics = append(f.metrics, m)
	return f.ok, f.err
}

func (f *fakeReporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSenderConfig_Validate(t *testing.T) {
	if _, err := NewSender(SenderConfig{}); err != ErrNoReporter {
		t.Errorf("expected ErrNoReporter, got %v", err)
	}
	if _, err := NewSender(SenderConfig{Reporter: &fakeReporter{}}); err != ErrNoAgentID {
		t.Errorf("expected ErrNoAgentID, got %v", err)
	}

	cfg := SenderConfig{Reporter: &fakeReporter{}, AgentID: "agent-1"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Interval != DefaultInterval {
		t.Errorf("expected default interval, got %v", cfg.Interval)
	}
}

func TestSender_SendsImmediatelyAndOnTicks(t *testing.T) {
	rep := &fakeReporter{ok: true}
	s, err := NewSender(SenderConfig{
		Reporter: rep,
		AgentID:  "agent-1",
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for rep.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rep.callCount() < 3 {
		t.Fatalf("expected at least 3 heartbeats, got %d", rep.callCount())
	}

	sent, failed := s.Counts()
	if sent < 3 || failed != 0 {
		t.Errorf("unexpected counts: sent=%d failed=%d", sent, failed)
	}
}

func TestSender_SamplesMetrics(t *testing.T) {
	rep := &fakeReporter{ok: true}
	s, err := NewSender(SenderConfig{
		Reporter: rep,
		AgentID:  "agent-1",
		Interval: time.Hour, // only the immediate beat fires
		Metrics: func() agent.Metrics {
			return agent.Metrics{TaskCount: 42, SuccessRate: 0.9}
		},
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for rep.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.metrics) == 0 || rep.metrics[0] == nil {
		t.Fatal("expected sampled metrics")
	}
	if rep.metrics[0].TaskCount != 42 {
		t.Errorf("unexpected metrics: %+v", rep.metrics[0])
	}
}

func TestSender_OnRejected(t *testing.T) {
	rep := &fakeReporter{ok: false}
	rejected := make(chan struct{}, 1)

	s, err := NewSender(SenderConfig{
		Reporter: rep,
		AgentID:  "agent-1",
		Interval: time.Hour,
		OnRejected: func() {
			select {
			case rejected <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("expected OnRejected to fire")
	}
}

func TestSender_CountsFailures(t *testing.T) {
	rep := &fakeReporter{err: errors.New("registry offline")}
	s, err := NewSender(SenderConfig{
		Reporter: rep,
		AgentID:  "agent-1",
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for {
		if _, failed := s.Counts(); failed >= 1 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, failed := s.Counts(); failed < 1 {
		t.Error("expected failed count to grow")
	}
}

func TestSender_StartStop(t *testing.T) {
	s, err := NewSender(SenderConfig{
		Reporter: &fakeReporter{ok: true},
		AgentID:  "agent-1",
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}

	if err := s.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSender_AgainstRegistry(t *testing.T) {
	reg, err := registry.New(registry.Config{Backend: storage.NewMemoryBackend()})
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := reg.Register(ctx, registry.RegisterRequest{AgentID: "agent-1"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	s, err := NewSender(SenderConfig{
		Reporter: reg,
		AgentID:  "agent-1",
		Interval: 5 * time.Millisecond,
		Metrics: func() agent.Metrics {
			return agent.Metrics{SuccessRate: 1.0}
		},
	})
	if err != nil {
		t.Fatalf("NewSender failed: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(time.Second)
	for {
		if sent, _ := s.Counts(); sent >= 2 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	rec, err := reg.AgentInfo(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AgentInfo failed: %v", err)
	}
	if rec.Health != agent.HealthHealthy {
		t.Errorf("expected heartbeating agent healthy, got %s", rec.Health)
	}
}
