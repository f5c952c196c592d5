// Package registry provides agent registration, discovery, and health
// tracking for workflow coordination.
//
// # Overview
//
// A Registry composes a pluggable storage backend, a TTL cache with four
// inverted indices (capability, tag, status, health), a background health
// monitor, and per-agent concurrency control behind one façade. Workers
// register with capabilities and tags, send heartbeats with metrics, and are
// discovered through multi-criteria queries.
//
// # Basic Usage
//
// Construct and start a registry:
//
//	reg, err := registry.New(registry.Config{
//	    Backend: storage.NewMemoryBackend(),
//	})
//	if err != nil { ... }
//	reg.Start(ctx)
//	defer reg.Stop()
//
// Register an agent and discover it:
//
//	id, err := reg.Register(ctx, registry.RegisterRequest{
//	    AgentID:      "agent-1",
//	    Capabilities: []string{"analyze", "summarize"},
//	    Tags:         []string{"gpu"},
//	})
//	ids := reg.FindAgents(agent.Criteria{
//	    Capabilities: []string{"analyze"},
//	    Status:       agent.StatusActive,
//	})
//
// # Consistency
//
// Point lookups (AgentInfo) reload entries older than the cache TTL from
// storage before trusting them. Index-based discovery (FindAgents) operates
// on whatever is currently indexed and is eventually consistent with
// backend-only changes made outside this registry process.
//
// # Ordering
//
// FindAgents returns ids sorted ascending. Callers that pick "the first
// match" therefore get a deterministic choice.
package registry
