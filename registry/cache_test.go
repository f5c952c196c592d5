package registry

import (
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/agent"
)

func testRecord(id string, caps, tags []string) *agent.Registration {
	now := time.Now()
	return &agent.Registration{
		AgentID:      id,
		Status:       agent.StatusActive,
		Capabilities: caps,
		Tags:         tags,
		RegisteredAt: now,
		Health:       agent.HealthHealthy,
	}
}

func TestRegCache_PutGet(t *testing.T) {
	c := newRegCache(time.Minute)
	c.put(testRecord("agent-1", []string{"analyze"}, nil))

	rec, fresh := c.get("agent-1")
	if !fresh {
		t.Fatal("expected fresh entry")
	}
	if rec.AgentID != "agent-1" {
		t.Errorf("unexpected record: %+v", rec)
	}

	// Returned record is a copy; mutating it must not leak back.
	rec.Capabilities[0] = "mutated"
	again, _ := c.get("agent-1")
	if again.Capabilities[0] != "analyze" {
		t.Error("cache returned a shared record")
	}
}

func TestRegCache_GetExpired(t *testing.T) {
	c := newRegCache(time.Millisecond)
	c.put(testRecord("agent-1", nil, nil))
	time.Sleep(5 * time.Millisecond)

	rec, fresh := c.get("agent-1")
	if fresh {
		t.Error("expected entry past TTL to be reported stale")
	}
	if rec == nil {
		t.Error("expected stale entry to still return its record")
	}
}

func TestRegCache_PutReindexes(t *testing.T) {
	c := newRegCache(time.Minute)
	c.put(testRecord("agent-1", []string{"analyze"}, []string{"gpu"}))

	updated := testRecord("agent-1", []string{"translate"}, nil)
	c.put(updated)

	if got := c.find(agent.Criteria{Capabilities: []string{"analyze"}}); len(got) != 0 {
		t.Errorf("expected old capability index cleared, got %v", got)
	}
	if got := c.find(agent.Criteria{Tags: []string{"gpu"}}); len(got) != 0 {
		t.Errorf("expected old tag index cleared, got %v", got)
	}
	if got := c.find(agent.Criteria{Capabilities: []string{"translate"}}); len(got) != 1 {
		t.Errorf("expected new capability indexed, got %v", got)
	}
}

func TestRegCache_Remove(t *testing.T) {
	c := newRegCache(time.Minute)
	c.put(testRecord("agent-1", []string{"analyze"}, nil))
	c.remove("agent-1")

	if _, fresh := c.get("agent-1"); fresh {
		t.Error("expected record gone")
	}
	if c.contains("agent-1") {
		t.Error("expected id no longer known")
	}
	if got := c.find(agent.Criteria{Capabilities: []string{"analyze"}}); len(got) != 0 {
		t.Errorf("expected index cleared, got %v", got)
	}
}

func TestRegCache_EvictStaleKeepsIndices(t *testing.T) {
	c := newRegCache(time.Millisecond)
	c.put(testRecord("agent-1", []string{"analyze"}, nil))
	time.Sleep(5 * time.Millisecond)

	if n := c.evictStale(time.Now()); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	// Record entry is gone, but discovery still works off the indices.
	if _, fresh := c.get("agent-1"); fresh {
		t.Error("expected record entry evicted")
	}
	if !c.contains("agent-1") {
		t.Error("expected id still known after eviction")
	}
	if got := c.find(agent.Criteria{Capabilities: []string{"analyze"}}); len(got) != 1 {
		t.Errorf("expected index intact after eviction, got %v", got)
	}
}

func TestRegCache_RemoveAfterEviction(t *testing.T) {
	c := newRegCache(time.Millisecond)
	c.put(testRecord("agent-1", []string{"analyze"}, []string{"gpu"}))
	time.Sleep(5 * time.Millisecond)
	c.evictStale(time.Now())

	// Removing an id whose record entry already expired must still clear
	// its index memberships.
	c.remove("agent-1")
	if got := c.find(agent.Criteria{Capabilities: []string{"analyze"}}); len(got) != 0 {
		t.Errorf("expected capability index cleared, got %v", got)
	}
	if got := c.find(agent.Criteria{Tags: []string{"gpu"}}); len(got) != 0 {
		t.Errorf("expected tag index cleared, got %v", got)
	}
}

func TestRegCache_FindSorted(t *testing.T) {
	c := newRegCache(time.Minute)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		c.put(testRecord(id, []string{"analyze"}, nil))
	}

	got := c.find(agent.Criteria{Capabilities: []string{"analyze"}})
	want := []string{"alpha", "bravo", "charlie"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected sorted ids %v, got %v", want, got)
		}
	}
}

func TestRegCache_Counts(t *testing.T) {
	c := newRegCache(time.Minute)
	c.put(testRecord("agent-1", []string{"analyze"}, []string{"gpu"}))
	c.put(testRecord("agent-2", []string{"analyze", "summarize"}, nil))

	total, byStatus, byHealth, caps, tags := c.counts()
	if total != 2 {
		t.Errorf("expected total 2, got %d", total)
	}
	if byStatus[agent.StatusActive.String()] != 2 {
		t.Errorf("unexpected status counts: %v", byStatus)
	}
	if byHealth[agent.HealthHealthy.String()] != 2 {
		t.Errorf("unexpected health counts: %v", byHealth)
	}
	if caps["analyze"] != 2 || caps["summarize"] != 1 {
		t.Errorf("unexpected capability counts: %v", caps)
	}
	if tags["gpu"] != 1 {
		t.Errorf("unexpected tag counts: %v", tags)
	}
}
