package registry

import (
	"sync"

	"github.com/agentmesh/agentmesh/agent"
)

// instanceTable is the process-local table of live worker handles. It holds
// non-owning references: removing an entry is how a worker "disappears", and
// lookups after removal resolve to absent, whether or not deregister was
// ever called.
type instanceTable struct {
	mu        sync.RWMutex
	instances map[string]agent.Instance
}

func newInstanceTable() *instanceTable {
	return &instanceTable{
		instances: make(map[string]agent.Instance),
	}
}

func (t *instanceTable) put(agentID string, inst agent.Instance) {
	if inst == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[agentID] = inst
}

func (t *instanceTable) get(agentID string) (agent.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.instances[agentID]
	return inst, ok
}

func (t *instanceTable) remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, agentID)
}

func (t *instanceTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances = make(map[string]agent.Instance)
}
