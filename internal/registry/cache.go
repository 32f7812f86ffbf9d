package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// listCache is a TTL-based in-memory cache of per-endpoint descriptor
// snapshots with stale-while-revalidate. Uses sync.Map for lock-free
// reads on the hot path; each snapshot is immutable, so a swap is
// atomic and readers never observe a partially updated list.
type listCache struct {
	store sync.Map // map[string]*listEntry, keyed by endpoint
	ttl   time.Duration
	now   func() time.Time
}

type listEntry struct {
	tools      []ToolDescriptor
	expiresAt  time.Time
	refreshing atomic.Bool
}

// listGetResult holds the result of a cache lookup.
type listGetResult struct {
	Tools        []ToolDescriptor
	Hit          bool // a snapshot exists (fresh or stale)
	NeedsRefresh bool // expired — caller won the refresh CAS
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking lookup. Stale snapshots are returned with
// NeedsRefresh=true for exactly one caller.
func (c *listCache) Get(endpoint string) listGetResult {
	val, ok := c.store.Load(endpoint)
	if !ok {
		return listGetResult{}
	}

	entry := val.(*listEntry)
	if c.now().Before(entry.expiresAt) {
		return listGetResult{Tools: entry.tools, Hit: true}
	}

	// Stale hit: only one caller wins the CAS and refreshes.
	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return listGetResult{Tools: entry.tools, Hit: true, NeedsRefresh: needsRefresh}
}

// Set stores a fresh snapshot for the endpoint.
func (c *listCache) Set(endpoint string, tools []ToolDescriptor) {
	c.store.Store(endpoint, &listEntry{
		tools:     tools,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes the endpoint's snapshot.
func (c *listCache) Delete(endpoint string) {
	c.store.Delete(endpoint)
}
