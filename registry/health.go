package registry

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/agent"
	"github.com/agentmesh/agentmesh/storage"
)

// Health thresholds: an agent that is heartbeating on time degrades to
// Warning when its error counter or success rate crosses these bounds.
const (
	warnErrorCount  = 10
	warnSuccessRate = 0.8
)

// evaluateHealth recomputes the health level for a record.
// Critical when the heartbeat is stale, Warning when counters degrade,
// Healthy otherwise.
func evaluateHealth(rec *agent.Registration, now time.Time, graceMultiplier float64) agent.HealthLevel {
	if !rec.IsHealthy(now, graceMultiplier) {
		return agent.HealthCritical
	}
	if rec.Metrics.ErrorCount > warnErrorCount || rec.Metrics.SuccessRate < warnSuccessRate {
		return agent.HealthWarning
	}
	return agent.HealthHealthy
}

// sweepHealth runs one pass of the health monitor over every known agent.
// Records are re-read from storage so the sweep sees backend truth; a read
// failure skips that agent for this cycle rather than failing it outright,
// to avoid cascading false Failed transitions from a transient storage
// hiccup.
func (r *Registry) sweepHealth(ctx context.Context) {
	now := time.Now()

	for _, id := range r.cache.knownIDs() {
		if ctx.Err() != nil {
			return
		}
		r.sweepAgent(ctx, id, now)
	}
}

// sweepAgent recomputes health for one agent under its lock.
func (r *Registry) sweepAgent(ctx context.Context, id string, now time.Time) {
	release, err := r.locks.acquire(ctx, id)
	if err != nil {
		return
	}
	defer release()

	rec, err := r.backend.Load(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			// Removed behind our back; drop the cached view.
			r.cache.remove(id)
			return
		}
		r.log.Warn("health sweep skipping agent, storage read failed", map[string]interface{}{
			"agent_id": id,
			"error":    err,
		})
		return
	}
	if !rec.Status.Live() {
		return
	}

	oldHealth := rec.Health
	newHealth := evaluateHealth(rec, now, r.cfg.GraceMultiplier)
	rec.Health = newHealth

	changed := oldHealth != newHealth
	failed := false

	// The only status transition the monitor performs unilaterally:
	// a stale agent is marked Failed.
	if !rec.IsHealthy(now, r.cfg.GraceMultiplier) && rec.Status != agent.StatusFailed {
		rec.Status = agent.StatusFailed
		failed = true
	}

	if changed || failed {
		if err := r.backend.Save(ctx, rec); err != nil {
			r.log.Warn("health sweep could not persist agent", map[string]interface{}{
				"agent_id": id,
				"error":    err,
			})
			return
		}
	}
	r.cache.put(rec)

	if failed {
		r.log.Info("agent marked failed, heartbeat stale", map[string]interface{}{
			"agent_id": id,
		})
	}
	if changed {
		r.events.emit(Event{
			Type:         EventHealthChanged,
			AgentID:      id,
			Registration: rec.Clone(),
			OldHealth:    oldHealth,
			NewHealth:    newHealth,
		})
	}
}
