package interceptor

import (
	"container/list"
	"sync"
	"time"
)

type (
	// PlanAnalysis is the extracted EXPLAIN summary cached per normalized
	// query signature.
	PlanAnalysis struct {
		TotalCost       float64
		NodeType        string
		HasSeqScan      bool
		HasIndexScan    bool
		HasNestedLoop   bool
		EstimatedRows   float64
		Recommendations []string
		Tables          []string // referenced tables, for invalidation matching
	}

	cacheEntry struct {
		key      string
		analysis *PlanAnalysis
		expiry   time.Time
	}

	// PlanCache is an LRU cache with per-entry TTL for plan analyses.
	//
	// A single mutex guards the map and the recency list; the lock is never
	// held across DB I/O - callers do lookup → compute → insert, and a racing
	// double insert just overwrites with equivalent data.
	PlanCache struct {
		mu      sync.Mutex
		entries map[string]*list.Element
		order   *list.List // front = most recently used
		maxSize int
		ttl     time.Duration

		hits   int64
		misses int64
	}
)

// NewPlanCache creates a plan cache with the given capacity and TTL.
func NewPlanCache(maxSize int, ttl time.Duration) *PlanCache {
	if maxSize <= 0 {
		maxSize = 1
	}

	return &PlanCache{
		entries: make(map[string]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached analysis for a signature, or nil on miss. Expired
// entries count as misses and are removed.
func (c *PlanCache) Get(signature string) *PlanAnalysis {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[signature]
	if !ok {
		c.misses++

		return nil
	}

	entry := element.Value.(*cacheEntry) //nolint:forcetypeassert // only cacheEntry is ever stored

	if time.Now().After(entry.expiry) {
		c.removeLocked(element)
		c.misses++

		return nil
	}

	c.order.MoveToFront(element)
	c.hits++

	return entry.analysis
}

// Put inserts an analysis under a signature. When the cache is at capacity,
// exactly one least-recently-used entry is evicted.
func (c *PlanCache) Put(signature string, analysis *PlanAnalysis) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[signature]; ok {
		entry := element.Value.(*cacheEntry) //nolint:forcetypeassert // only cacheEntry is ever stored
		entry.analysis = analysis
		entry.expiry = time.Now().Add(c.ttl)
		c.order.MoveToFront(element)

		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	element := c.order.PushFront(&cacheEntry{
		key:      signature,
		analysis: analysis,
		expiry:   time.Now().Add(c.ttl),
	})
	c.entries[signature] = element
}

// InvalidateTable drops every cached entry whose extracted table set includes
// the given table.
func (c *PlanCache) InvalidateTable(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0

	for element := c.order.Front(); element != nil; {
		next := element.Next()
		entry := element.Value.(*cacheEntry) //nolint:forcetypeassert // only cacheEntry is ever stored

		for _, t := range entry.analysis.Tables {
			if t == table {
				c.removeLocked(element)

				removed++

				break
			}
		}

		element = next
	}

	return removed
}

// Purge drops every entry.
func (c *PlanCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
}

// Len returns the number of live entries.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// HitRate returns (hits, misses).
func (c *PlanCache) HitRate() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hits, c.misses
}

func (c *PlanCache) removeLocked(element *list.Element) {
	entry := element.Value.(*cacheEntry) //nolint:forcetypeassert // only cacheEntry is ever stored
	delete(c.entries, entry.key)
	c.order.Remove(element)
}
