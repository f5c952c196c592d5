// Package shutdown provides phased graceful shutdown for a coordination
// node. Components register in phases that mirror the dependency order of
// the coordination core: the workflow coordinator stops accepting work
// first, then worker-side loops like heartbeat senders, then the registry
// (which deregisters remaining agents), and finally transports such as the
// message bus and storage backend.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Common errors.
var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHookFailed      = errors.New("one or more hooks failed")
)

// Phases for the coordination core, stopped in ascending order. Hooks in
// the same phase run concurrently.
const (
	PhaseCoordinator = 10
	PhaseWorkers     = 20
	PhaseRegistry    = 30
	PhaseTransport   = 40
)

// DefaultTimeout bounds a full shutdown when none is given.
const DefaultTimeout = 30 * time.Second

// Hook is one component's shutdown action. The context is cancelled when
// the overall timeout is reached; hooks should stop accepting work, finish
// what they can, and release resources.
type Hook func(ctx context.Context) error

// HookResult reports one hook's outcome.
type HookResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Config configures a Sequencer.
type Config struct {
	// Timeout bounds the whole shutdown. Defaults to DefaultTimeout.
	Timeout time.Duration

	// OnProgress runs after each hook completes, typically for logging.
	OnProgress func(HookResult)
}

type hookReg struct {
	name  string
	phase int
	hook  Hook
}

// Sequencer runs registered hooks phase by phase exactly once, either on
// demand or on SIGTERM/SIGINT.
type Sequencer struct {
	cfg Config

	mu    sync.Mutex
	hooks []hookReg

	once    sync.Once
	done    chan struct{}
	err     error
	results []HookResult
	sigCh   chan os.Signal
}

// NewSequencer creates a sequencer.
func NewSequencer(cfg Config) *Sequencer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sequencer{
		cfg:   cfg,
		done:  make(chan struct{}),
		sigCh: make(chan os.Signal, 1),
	}
}

// Register adds a hook to a phase. Registration after shutdown started has
// no effect.
func (s *Sequencer) Register(name string, phase int, hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hookReg{name: name, phase: phase, hook: hook})
}

// HandleSignals arranges for SIGTERM or SIGINT to trigger shutdown.
func (s *Sequencer) HandleSignals() {
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-s.sigCh
		s.Shutdown(context.Background())
	}()
}

// Trigger initiates shutdown as if a signal had arrived.
func (s *Sequencer) Trigger() {
	select {
	case s.sigCh <- syscall.SIGTERM:
	default:
	}
}

// Shutdown runs every hook once, phase by phase. Later calls return the
// first run's error; ErrAlreadyShutdown is returned while a run started by
// another caller is still in progress.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	ran := false
	s.once.Do(func() {
		ran = true
		s.err = s.run(ctx)
		close(s.done)
	})
	if ran {
		return s.err
	}

	select {
	case <-s.done:
		return s.err
	default:
		return ErrAlreadyShutdown
	}
}

// Done is closed when shutdown has finished.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

// Err returns the shutdown error once Done is closed, nil before.
func (s *Sequencer) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Results returns per-hook outcomes once Done is closed.
func (s *Sequencer) Results() []HookResult {
	select {
	case <-s.done:
		return s.results
	default:
		return nil
	}
}

func (s *Sequencer) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.mu.Lock()
	hooks := make([]hookReg, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].phase < hooks[j].phase
	})

	var overall error
	for start := 0; start < len(hooks); {
		end := start
		for end < len(hooks) && hooks[end].phase == hooks[start].phase {
			end++
		}

		select {
		case <-ctx.Done():
			s.results = append(s.results, HookResult{
				Name:  "timeout",
				Phase: hooks[start].phase,
				Err:   ErrTimeout,
			})
			return ErrTimeout
		default:
		}

		for _, res := range s.runPhase(ctx, hooks[start:end]) {
			s.results = append(s.results, res)
			if res.Err != nil && overall == nil {
				overall = ErrHookFailed
			}
		}
		start = end
	}
	return overall
}

// runPhase executes one phase's hooks concurrently.
func (s *Sequencer) runPhase(ctx context.Context, hooks []hookReg) []HookResult {
	results := make([]HookResult, len(hooks))
	var wg sync.WaitGroup
	wg.Add(len(hooks))

	for i, h := range hooks {
		go func(i int, h hookReg) {
			defer wg.Done()

			begin := time.Now()
			err := h.hook(ctx)
			results[i] = HookResult{
				Name:     h.name,
				Phase:    h.phase,
				Duration: time.Since(begin),
				Err:      err,
			}
			if s.cfg.OnProgress != nil {
				s.cfg.OnProgress(results[i])
			}
		}(i, h)
	}

	wg.Wait()
	return results
}
