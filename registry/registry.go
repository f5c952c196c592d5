package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/agent"
	agenterrors "github.com/agentmesh/agentmesh/errors"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/metrics"
	"github.com/agentmesh/agentmesh/storage"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("registry already started")
	ErrNotStarted     = errors.New("registry not started")
	ErrNilBackend     = errors.New("storage backend is required")
)

// Defaults for Config fields left at their zero value.
const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultSweepInterval   = 10 * time.Second
	DefaultMetricsInterval = 30 * time.Second
	DefaultGraceMultiplier = 2.0
	DefaultMaxConcurrent   = 100
)

// Config holds registry configuration.
type Config struct {
	// Backend is the storage backend registrations are persisted to.
	// Required.
	Backend storage.Backend

	// CacheTTL bounds how old a cached record may be before a point
	// lookup reloads it from the backend.
	CacheTTL time.Duration

	// SweepInterval is how often the health monitor re-evaluates every
	// known agent.
	SweepInterval time.Duration

	// CleanupInterval is how often expired cache entries are evicted.
	// Defaults to half the cache TTL.
	CleanupInterval time.Duration

	// MetricsInterval is how often aggregate gauges are refreshed.
	MetricsInterval time.Duration

	// GraceMultiplier scales the heartbeat interval into the staleness
	// window: an agent is stale once its last heartbeat is older than
	// interval × multiplier.
	GraceMultiplier float64

	// MaxConcurrent caps registry operations in flight at once.
	MaxConcurrent int64

	// Logger receives registry log output. Defaults to a silent logger.
	Logger *logging.Logger

	// Metrics receives operation counters and gauges. Defaults to a
	// private registry, exposed through Stats.
	Metrics *metrics.Registry
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return ErrNilBackend
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = c.CacheTTL / 2
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.GraceMultiplier <= 0 {
		c.GraceMultiplier = DefaultGraceMultiplier
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewRegistry()
	}
	return nil
}

// DefaultConfig returns a configuration with all defaults applied over the
// given backend.
func DefaultConfig(backend storage.Backend) Config {
	cfg := Config{Backend: backend}
	cfg.Validate()
	return cfg
}

// RegisterRequest describes one agent being registered.
type RegisterRequest struct {
	// AgentID is the requested id. When empty, the instance's own id is
	// used if available, otherwise a fresh UUID is assigned.
	AgentID string

	// Instance is the optional live worker handle. When present, the
	// registry derives lifecycle status from its run-state and calls
	// Stop on deregistration.
	Instance agent.Instance

	// Capabilities is the set of operations the agent can perform.
	Capabilities []string

	// Tags are free-form discovery labels.
	Tags []string

	// HeartbeatSeconds overrides the default heartbeat interval.
	HeartbeatSeconds int

	Version  string
	Host     string
	Port     int
	Metadata map[string]string
}

// Stats is a point-in-time aggregate view of the registry.
type Stats struct {
	TotalAgents  int                    `json:"total_agents"`
	ByStatus     map[string]int         `json:"by_status"`
	ByHealth     map[string]int         `json:"by_health"`
	Capabilities map[string]int         `json:"capabilities"`
	Tags         map[string]int         `json:"tags"`
	Performance  map[string]interface{} `json:"performance"`
}

// Registry tracks agent registrations: persistence through a storage
// backend, discovery through an indexed cache, health through a background
// monitor. All operations are safe for concurrent use.
type Registry struct {
	cfg       Config
	backend   storage.Backend
	cache     *regCache
	locks     *lockTable
	instances *instanceTable
	events    *eventHub
	log       *logging.Logger
	met       *metrics.Registry

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a registry from the configuration. Background loops do not
// run until Start is called; the mutation and query operations work either
// way.
func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger.WithComponent("registry")
	return &Registry{
		cfg:       cfg,
		backend:   cfg.Backend,
		cache:     newRegCache(cfg.CacheTTL),
		locks:     newLockTable(cfg.MaxConcurrent),
		instances: newInstanceTable(),
		events:    newEventHub(log),
		log:       log,
		met:       cfg.Metrics,
	}, nil
}

// Start launches the background loops: the health monitor, the cache
// cleaner, and the metrics collector. The loops stop when Stop is called or
// the given context is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(3)
	go r.runLoop(ctx, "health_monitor", r.cfg.SweepInterval, r.sweepHealth)
	go r.runLoop(ctx, "cache_cleanup", r.cfg.CleanupInterval, func(context.Context) {
		if n := r.cache.evictStale(time.Now()); n > 0 {
			r.met.Counter("cache_evictions").Add(int64(n))
		}
	})
	go r.runLoop(ctx, "metrics_collector", r.cfg.MetricsInterval, r.collectMetrics)

	r.log.Info("registry started", map[string]interface{}{
		"sweep_interval": r.cfg.SweepInterval.String(),
		"cache_ttl":      r.cfg.CacheTTL.String(),
	})
	return nil
}

// Stop halts the background loops, deregisters every remaining live agent,
// and closes the event hub. It blocks until the loops have exited.
func (r *Registry) Stop() error {
	if !r.running.Swap(false) {
		return ErrNotStarted
	}
	r.cancel()
	r.wg.Wait()

	ctx := context.Background()
	for _, id := range r.cache.knownIDs() {
		if _, err := r.Deregister(ctx, id); err != nil {
			r.log.Warn("deregister on shutdown failed", map[string]interface{}{
				"agent_id": id,
				"error":    err,
			})
		}
	}
	r.instances.clear()
	r.events.close()

	r.log.Info("registry stopped")
	return nil
}

// runLoop runs fn on a fixed interval until ctx is cancelled. A panicking
// iteration is logged and the loop keeps running.
func (r *Registry) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Registry) runOnce(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("background loop iteration panicked", map[string]interface{}{
				"loop":  name,
				"panic": rec,
			})
		}
	}()
	fn(ctx)
}

// Register adds an agent to the registry and returns its id. Registration
// fails when another live registration already holds the id. The new record
// gets an initial heartbeat immediately, so a freshly registered agent is
// never stale.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	defer r.observe("register", time.Now())

	id := req.AgentID
	if id == "" && req.Instance != nil {
		id = req.Instance.ID()
	}
	if id == "" {
		id = uuid.NewString()
	}

	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return "", agenterrors.Wrap(err, "register: acquire lock", agenterrors.WithAgentID(id))
	}
	defer release()

	if live, err := r.isLive(ctx, id); err != nil {
		return "", err
	} else if live {
		return "", agenterrors.AlreadyRegistered(id)
	}

	now := time.Now()
	hb := now
	rec := &agent.Registration{
		AgentID:          id,
		Status:           agent.StatusRegistered,
		Capabilities:     append([]string(nil), req.Capabilities...),
		Tags:             append([]string(nil), req.Tags...),
		RegisteredAt:     now,
		LastHeartbeat:    &hb,
		HeartbeatSeconds: req.HeartbeatSeconds,
		Metrics: agent.Metrics{
			// A fresh agent starts with a clean slate, not a degraded one.
			SuccessRate: 1.0,
			LastUpdated: now,
		},
		Version:  req.Version,
		Host:     req.Host,
		Port:     req.Port,
		Metadata: req.Metadata,
	}
	if req.Instance != nil {
		if st, ok := agent.StatusForRunState(req.Instance.RunState()); ok {
			rec.Status = st
		}
	}
	rec.Health = evaluateHealth(rec, now, r.cfg.GraceMultiplier)

	if err := rec.Validate(); err != nil {
		return "", agenterrors.InvalidInput(err.Error(), agenterrors.WithAgentID(id))
	}
	if err := r.backend.Save(ctx, rec); err != nil {
		return "", agenterrors.StorageFailure("save", err, agenterrors.WithAgentID(id))
	}

	r.cache.put(rec)
	if req.Instance != nil {
		r.instances.put(id, req.Instance)
	}
	r.met.Counter("registrations").Inc()

	r.log.Info("agent registered", map[string]interface{}{
		"agent_id":     id,
		"status":       rec.Status.String(),
		"capabilities": rec.Capabilities,
	})
	r.events.emit(Event{
		Type:         EventAgentRegistered,
		AgentID:      id,
		Registration: rec.Clone(),
	})
	return id, nil
}

// isLive reports whether a live registration currently holds the id.
// Caller holds the agent lock.
func (r *Registry) isLive(ctx context.Context, id string) (bool, error) {
	if r.cache.contains(id) {
		return true, nil
	}
	rec, err := r.backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, agenterrors.StorageFailure("load", err, agenterrors.WithAgentID(id))
	}
	return rec.Status.Live(), nil
}

// Deregister removes an agent. It reports false without error when no live
// registration holds the id, so repeated deregistration is harmless. When a
// live instance handle is attached, its Stop is invoked best-effort before
// the record is removed.
func (r *Registry) Deregister(ctx context.Context, id string) (bool, error) {
	defer r.observe("deregister", time.Now())

	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return false, agenterrors.Wrap(err, "deregister: acquire lock", agenterrors.WithAgentID(id))
	}
	defer release()

	rec, err := r.currentRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || !rec.Status.Live() {
		return false, nil
	}

	if inst, ok := r.instances.get(id); ok {
		if err := inst.Stop(); err != nil && !errors.Is(err, agent.ErrStopUnsupported) {
			r.log.Warn("instance stop failed during deregister", map[string]interface{}{
				"agent_id": id,
				"error":    err,
			})
		}
	}

	if err := r.backend.Delete(ctx, id); err != nil {
		return false, agenterrors.StorageFailure("delete", err, agenterrors.WithAgentID(id))
	}

	r.cache.remove(id)
	r.instances.remove(id)
	r.met.Counter("deregistrations").Inc()

	rec.Status = agent.StatusDeregistered
	r.log.Info("agent deregistered", map[string]interface{}{"agent_id": id})
	r.events.emit(Event{
		Type:         EventAgentDeregistered,
		AgentID:      id,
		Registration: rec,
	})
	return true, nil
}

// Heartbeat records a liveness signal, optionally replacing the agent's
// metrics, and recomputes health. It reports false without error when the
// agent is unknown or no longer live; senders treat that as a cue to
// re-register.
func (r *Registry) Heartbeat(ctx context.Context, id string, m *agent.Metrics) (bool, error) {
	defer r.observe("heartbeat", time.Now())

	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return false, agenterrors.Wrap(err, "heartbeat: acquire lock", agenterrors.WithAgentID(id))
	}
	defer release()

	rec, err := r.currentRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil || !rec.Status.Live() {
		return false, nil
	}

	now := time.Now()
	hb := now
	rec.LastHeartbeat = &hb
	if m != nil {
		rec.Metrics = *m
		rec.Metrics.LastUpdated = now
	}
	if inst, ok := r.instances.get(id); ok {
		if st, ok := agent.StatusForRunState(inst.RunState()); ok {
			rec.Status = st
		}
	}

	oldHealth := rec.Health
	rec.Health = evaluateHealth(rec, now, r.cfg.GraceMultiplier)

	if err := r.backend.Save(ctx, rec); err != nil {
		return false, agenterrors.StorageFailure("save", err, agenterrors.WithAgentID(id))
	}
	r.cache.put(rec)
	r.met.Counter("heartbeats").Inc()

	if oldHealth != rec.Health {
		r.events.emit(Event{
			Type:         EventHealthChanged,
			AgentID:      id,
			Registration: rec.Clone(),
			OldHealth:    oldHealth,
			NewHealth:    rec.Health,
		})
	}
	return true, nil
}

// currentRecord returns the agent's record, reloading from the backend when
// the cached copy is missing or stale. A nil record with nil error means the
// agent is unknown. Caller holds the agent lock.
func (r *Registry) currentRecord(ctx context.Context, id string) (*agent.Registration, error) {
	if rec, fresh := r.cache.get(id); fresh {
		return rec, nil
	}

	rec, err := r.backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.cache.remove(id)
			return nil, nil
		}
		return nil, agenterrors.StorageFailure("load", err, agenterrors.WithAgentID(id))
	}
	r.cache.put(rec)
	return rec, nil
}

// AgentInfo returns a snapshot of the agent's registration record. Stale
// cache entries are reloaded from storage before being returned.
func (r *Registry) AgentInfo(ctx context.Context, id string) (*agent.Registration, error) {
	defer r.observe("agent_info", time.Now())

	if rec, fresh := r.cache.get(id); fresh {
		return rec, nil
	}

	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return nil, agenterrors.Wrap(err, "agent info: acquire lock", agenterrors.WithAgentID(id))
	}
	defer release()

	rec, err := r.currentRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, agenterrors.UnknownAgent(id)
	}
	return rec, nil
}

// AgentInstance returns the live worker handle registered for the id, if
// the worker runs in this process and registered one.
func (r *Registry) AgentInstance(id string) (agent.Instance, bool) {
	return r.instances.get(id)
}

// FindAgents returns the ids of agents matching all given criteria, sorted
// ascending. The query runs against the inverted indices; no storage I/O
// happens.
func (r *Registry) FindAgents(criteria agent.Criteria) []string {
	defer r.observe("find_agents", time.Now())
	return r.cache.find(criteria)
}

// Stats returns aggregate counts and operation performance numbers.
func (r *Registry) Stats() Stats {
	total, byStatus, byHealth, capabilities, tags := r.cache.counts()
	return Stats{
		TotalAgents:  total,
		ByStatus:     byStatus,
		ByHealth:     byHealth,
		Capabilities: capabilities,
		Tags:         tags,
		Performance:  r.met.Snapshot(),
	}
}

// SubscribeFunc registers a synchronous callback for one event type. The
// callback runs inline with the emitting operation; panics are isolated.
func (r *Registry) SubscribeFunc(event EventType, subscriberID string, fn EventHandler) {
	r.events.subscribeFunc(event, subscriberID, fn)
}

// SubscribeChan registers a channel subscriber for one event type. Events
// are dropped rather than blocking when the buffer is full. The channel is
// closed on unsubscribe and on registry shutdown.
func (r *Registry) SubscribeChan(event EventType, subscriberID string, buffer int) <-chan Event {
	return r.events.subscribeChan(event, subscriberID, buffer)
}

// Unsubscribe removes a subscriber from one event type.
func (r *Registry) Unsubscribe(event EventType, subscriberID string) {
	r.events.unsubscribe(event, subscriberID)
}

// collectMetrics refreshes aggregate gauges from the index counts.
func (r *Registry) collectMetrics(context.Context) {
	total, byStatus, byHealth, _, _ := r.cache.counts()
	r.met.Gauge("agents_total").Set(int64(total))
	r.met.Gauge("agents_active").Set(int64(byStatus[agent.StatusActive.String()]))
	r.met.Gauge("agents_failed").Set(int64(byStatus[agent.StatusFailed.String()]))
	r.met.Gauge("agents_healthy").Set(int64(byHealth[agent.HealthHealthy.String()]))
	r.met.Gauge("agents_critical").Set(int64(byHealth[agent.HealthCritical.String()]))
}

func (r *Registry) observe(op string, start time.Time) {
	r.met.Timer("op_" + op).Observe(time.Since(start))
}
