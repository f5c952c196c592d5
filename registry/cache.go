package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/agent"
)

// regCache is the read-optimized in-process view over storage: a TTL cache of
// full records plus four inverted indices for multi-criteria lookup.
//
// The record cache expires; the indices do not. Indices change only when a
// mutation flows through the registry, so FindAgents is eventually consistent
// with backend-only changes made outside this process, while point lookups
// reload stale entries from storage before trusting them.
type regCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	known   map[string]struct{} // all indexed ids; survives TTL eviction

	byCapability map[string]map[string]struct{}
	byTag        map[string]map[string]struct{}
	byStatus     map[agent.Status]map[string]struct{}
	byHealth     map[agent.HealthLevel]map[string]struct{}
}

type cacheEntry struct {
	rec      *agent.Registration
	cachedAt time.Time
}

func newRegCache(ttl time.Duration) *regCache {
	return &regCache{
		ttl:          ttl,
		entries:      make(map[string]*cacheEntry),
		known:        make(map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
		byTag:        make(map[string]map[string]struct{}),
		byStatus:     make(map[agent.Status]map[string]struct{}),
		byHealth:     make(map[agent.HealthLevel]map[string]struct{}),
	}
}

// put stores a record and updates all four indices atomically.
func (c *regCache) put(rec *agent.Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := rec.AgentID
	c.unindexLocked(id)

	c.entries[id] = &cacheEntry{rec: rec.Clone(), cachedAt: time.Now()}
	c.known[id] = struct{}{}

	for _, cap := range rec.Capabilities {
		addToIndex(c.byCapability, cap, id)
	}
	for _, tag := range rec.Tags {
		addToIndex(c.byTag, tag, id)
	}
	addToIndex(c.byStatus, rec.Status, id)
	addToIndex(c.byHealth, rec.Health, id)
}

// remove drops a record from the cache and all indices.
func (c *regCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unindexLocked(id)
	delete(c.entries, id)
	delete(c.known, id)
}

// unindexLocked removes id from every index bucket, dropping empty buckets.
func (c *regCache) unindexLocked(id string) {
	entry, ok := c.entries[id]
	if !ok {
		// No cached record; the id may still be indexed from before the
		// record expired, so scan all buckets.
		removeFromAll(c.byCapability, id)
		removeFromAll(c.byTag, id)
		removeFromAll(c.byStatus, id)
		removeFromAll(c.byHealth, id)
		return
	}

	rec := entry.rec
	for _, cap := range rec.Capabilities {
		removeFromIndex(c.byCapability, cap, id)
	}
	for _, tag := range rec.Tags {
		removeFromIndex(c.byTag, tag, id)
	}
	removeFromIndex(c.byStatus, rec.Status, id)
	removeFromIndex(c.byHealth, rec.Health, id)
}

// get returns a copy of the cached record. fresh is false when the entry is
// absent or older than the TTL, in which case the caller must reload from
// storage before trusting it.
func (c *regCache) get(id string) (rec *agent.Registration, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.cachedAt) > c.ttl {
		return entry.rec.Clone(), false
	}
	return entry.rec.Clone(), true
}

// contains reports whether the id is known (indexed), regardless of TTL.
func (c *regCache) contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[id]
	return ok
}

// find intersects the index sets relevant to the criteria and returns the
// matching ids sorted ascending. Empty criteria return every known id.
func (c *regCache) find(criteria agent.Criteria) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if criteria.Empty() {
		return collectSorted(c.known, criteria.Limit)
	}

	var result map[string]struct{}

	intersect := func(bucket map[string]struct{}) {
		if result == nil {
			result = make(map[string]struct{}, len(bucket))
			for id := range bucket {
				result[id] = struct{}{}
			}
			return
		}
		for id := range result {
			if _, ok := bucket[id]; !ok {
				delete(result, id)
			}
		}
	}

	for _, cap := range criteria.Capabilities {
		intersect(c.byCapability[cap])
	}
	for _, tag := range criteria.Tags {
		intersect(c.byTag[tag])
	}
	if criteria.Status != "" {
		intersect(c.byStatus[criteria.Status])
	}
	if criteria.Health != "" {
		intersect(c.byHealth[criteria.Health])
	}

	return collectSorted(result, criteria.Limit)
}

// collectSorted flattens an id set to a sorted, optionally limited slice.
func collectSorted(set map[string]struct{}, limit int) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// knownIDs returns every indexed id, sorted ascending.
func (c *regCache) knownIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// evictStale drops record entries past the TTL. Indices and the known set
// are untouched; discovery keeps working while point lookups reload.
func (c *regCache) evictStale(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, entry := range c.entries {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// counts returns aggregate sizes for stats reporting.
func (c *regCache) counts() (total int, byStatus map[string]int, byHealth map[string]int, capabilities map[string]int, tags map[string]int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byStatus = make(map[string]int, len(c.byStatus))
	for status, bucket := range c.byStatus {
		byStatus[string(status)] = len(bucket)
	}
	byHealth = make(map[string]int, len(c.byHealth))
	for health, bucket := range c.byHealth {
		byHealth[string(health)] = len(bucket)
	}
	capabilities = make(map[string]int, len(c.byCapability))
	for cap, bucket := range c.byCapability {
		capabilities[cap] = len(bucket)
	}
	tags = make(map[string]int, len(c.byTag))
	for tag, bucket := range c.byTag {
		tags[tag] = len(bucket)
	}
	return len(c.known), byStatus, byHealth, capabilities, tags
}

func addToIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[string]struct{})
		index[key] = bucket
	}
	bucket[id] = struct{}{}
}

func removeFromIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(index, key)
	}
}

func removeFromAll[K comparable](index map[K]map[string]struct{}, id string) {
	for key, bucket := range index {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(index, key)
		}
	}
}
