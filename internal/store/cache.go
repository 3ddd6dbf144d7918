package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// CachedReader wraps series reads with an in-memory LRU cache. Baseline
// scoring hits the same (series, range) pairs repeatedly across events, so
// the cache avoids re-scanning the store for every feature.
type CachedReader struct {
	inner *Store
	cache *lruCache
}

// NewCachedReader creates a cache decorator around a store.
func NewCachedReader(inner *Store, maxEntries int) *CachedReader {
	return &CachedReader{inner: inner, cache: newLRUCache(maxEntries)}
}

// QuerySeries behaves like Store.QuerySeries with caching.
func (c *CachedReader) QuerySeries(ctx context.Context, key domain.SeriesKey, startMS, endMS int64) ([]domain.CanonicalRecord, error) {
	ck := fmt.Sprintf("%s|%d|%d", key, startMS, endMS)
	if recs, ok := c.cache.get(ck); ok {
		return recs, nil
	}
	recs, err := c.inner.QuerySeries(ctx, key, startMS, endMS)
	if err != nil {
		return nil, err
	}
	// Only cache non-empty results so late-arriving partitions can still be
	// picked up on retry.
	if len(recs) > 0 {
		c.cache.put(ck, recs)
	}
	return recs, nil
}

// Query behaves like Store.Query with caching. Station-wide event-window
// reads repeat across events the same way series reads do.
func (c *CachedReader) Query(ctx context.Context, src domain.Source, stationID string, startMS, endMS int64) ([]domain.CanonicalRecord, error) {
	ck := fmt.Sprintf("%s/%s|%d|%d", src, stationID, startMS, endMS)
	if recs, ok := c.cache.get(ck); ok {
		return recs, nil
	}
	recs, err := c.inner.Query(ctx, src, stationID, startMS, endMS)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		c.cache.put(ck, recs)
	}
	return recs, nil
}

// lruCache is a simple thread-safe LRU over query results.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value []domain.CanonicalRecord
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) ([]domain.CanonicalRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value []domain.CanonicalRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
