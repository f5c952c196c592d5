// Package heartbeat provides the worker-side liveness loop: a Sender that
// periodically reports an agent's heartbeat and metrics to the registry.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/logging"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("sender already started")
	ErrNotStarted     = errors.New("sender not started")
	ErrNoReporter     = errors.New("reporter is required")
	ErrNoAgentID      = errors.New("agent id is required")
)

// DefaultInterval is used when the configuration does not set one. It equals
// the registry's default heartbeat interval so the two stay in step.
const DefaultInterval = agent.DefaultHeartbeatSeconds * time.Second

// Reporter receives heartbeats. *registry.Registry satisfies this; a remote
// client forwarding heartbeats over a bus can too.
type Reporter interface {
	Heartbeat(ctx context.Context, agentID string, m *agent.Metrics) (bool, error)
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Reporter is the heartbeat destination. Required.
	Reporter Reporter

	// AgentID is the agent being kept alive. Required.
	AgentID string

	// Interval between heartbeats. The registry considers the agent stale
	// after missing roughly two of these.
	Interval time.Duration

	// Metrics, when set, is sampled before every heartbeat.
	Metrics func() agent.Metrics

	// OnRejected runs when the registry no longer recognizes the agent,
	// typically to trigger re-registration. The sender keeps running.
	OnRejected func()

	// Logger receives send failures. Defaults to a silent logger.
	Logger *logging.Logger
}

// Validate checks required fields and applies defaults.
func (c *SenderConfig) Validate() error {
	if c.Reporter == nil {
		return ErrNoReporter
	}
	if c.AgentID == "" {
		return ErrNoAgentID
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return nil
}

// Sender periodically reports one agent's liveness to a Reporter. Send
// failures are logged and retried on the next tick; a rejection (the
// registry answering false) additionally invokes OnRejected.
type Sender struct {
	cfg SenderConfig
	log *logging.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu    sync.Mutex
	sent  int64
	fails int64
}

// NewSender creates a sender. Start must be called before heartbeats flow.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sender{
		cfg: cfg,
		log: cfg.Logger.WithComponent("heartbeat"),
	}, nil
}

// Start begins the heartbeat loop. The first heartbeat is sent immediately.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Counts returns how many heartbeats were sent and how many sends failed.
func (s *Sender) Counts() (sent, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.fails
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

func (s *Sender) beat(ctx context.Context) {
	var m *agent.Metrics
	if s.cfg.Metrics != nil {
		sample := s.cfg.Metrics()
		m = &sample
	}

	ok, err := s.cfg.Reporter.Heartbeat(ctx, s.cfg.AgentID, m)

	s.mu.Lock()
	s.sent++
	if err != nil {
		s.fails++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("heartbeat failed", map[string]interface{}{
			"agent_id": s.cfg.AgentID,
			"error":    err,
		})
		return
	}
	if !ok {
		s.log.Warn("heartbeat rejected, agent unknown to registry", map[string]interface{}{
			"agent_id": s.cfg.AgentID,
		})
		if s.cfg.OnRejected != nil {
			s.cfg.OnRejected()
		}
	}
}
