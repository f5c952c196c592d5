package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockTable serializes operations per agent id and caps total in-flight
// operations with a weighted semaphore. Per-agent mutexes are created lazily
// with an atomic insert-if-absent, so concurrent first use of an id is safe.
// Entries are never removed: deleting one while a waiter is parked on it
// would let a later creator run concurrently with that waiter.
type lockTable struct {
	locks sync.Map // agent id -> *sync.Mutex
	sem   *semaphore.Weighted
}

func newLockTable(maxConcurrent int64) *lockTable {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &lockTable{
		sem: semaphore.NewWeighted(maxConcurrent),
	}
}

// acquire takes the global semaphore slot and then the agent's mutex.
// The returned release function undoes both. Acquisition of the semaphore
// respects ctx cancellation; the per-agent mutex does not suspend on ctx
// because hold times are short (no I/O is done under the table itself).
func (t *lockTable) acquire(ctx context.Context, agentID string) (release func(), err error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	v, _ := t.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	return func() {
		mu.Unlock()
		t.sem.Release(1)
	}, nil
}
