package schema

import (
	"sync"
	"time"
)

// impactCache memoizes impact analyses for a short TTL so repeated previews
// of the same change do not hammer the catalog. Entries are invalidated
// eagerly when their change is applied.
type impactCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[impactKey]impactEntry
}

type impactKey struct {
	table string
	field string
	kind  ChangeKind
}

type impactEntry struct {
	impact  *Impact
	expires time.Time
}

func newImpactCache(ttl time.Duration) *impactCache {
	return &impactCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[impactKey]impactEntry),
	}
}

func (c *impactCache) get(table, field string, kind ChangeKind) (*Impact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[impactKey{table, field, kind}]
	if !ok {
		return nil, false
	}

	if c.now().After(entry.expires) {
		delete(c.entries, impactKey{table, field, kind})

		return nil, false
	}

	return entry.impact, true
}

func (c *impactCache) put(table, field string, kind ChangeKind, impact *Impact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[impactKey{table, field, kind}] = impactEntry{
		impact:  impact,
		expires: c.now().Add(c.ttl),
	}
}

func (c *impactCache) invalidate(table, field string, kind ChangeKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, impactKey{table, field, kind})
}

// invalidateTable drops every cached analysis touching a table, used when an
// external schema change lands on it.
func (c *impactCache) invalidateTable(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.table == table {
			delete(c.entries, key)
		}
	}
}
