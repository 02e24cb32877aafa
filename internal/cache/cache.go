// Package cache implements the Results Cache: an LRU+TTL cache of query
// results tagged with the FreshnessEpoch of every dataset the query
// touched, so a cache hit is only served while every tagged epoch still
// matches the dataset's current epoch.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jonboulle/clockwork"

	"github.com/spiceai/spice/internal/clock"
)

// Entry is one cached query result.
type Entry struct {
	Batches   []arrow.Record
	Epochs    map[string]uint64 // dataset name -> epoch observed when this entry was built
	CreatedAt time.Time
	Size      int64
}

// EpochLookup returns a dataset's current FreshnessEpoch, used to validate
// a cache entry on read without the cache package depending on
// internal/engine.
type EpochLookup func(dataset string) (epoch uint64, ok bool)

const shardCount = 16

type shard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	curBytes int64
}

type shardEntry struct {
	key   string
	entry Entry
}

// Cache is a sharded LRU with byte-budget admission and TTL+epoch
// validation, generalizing the single mutex-guarded map in the teacher's
// status cache to scale across many distinct query fingerprints.
type Cache struct {
	shards   [shardCount]*shard
	maxBytes int64
	ttl      time.Duration
	clock    clockwork.Clock
}

func New(maxBytes int64, ttl time.Duration, clk clockwork.Clock) *Cache {
	c := &Cache{maxBytes: maxBytes, ttl: ttl, clock: clock.OrDefault(clk)}
	for i := range c.shards {
		c.shards[i] = &shard{items: map[string]*list.Element{}, order: list.New()}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return c.shards[h%shardCount]
}

// Get returns the cached entry for key if present, unexpired, and every
// tagged dataset epoch still matches epochs' live value. A stale or
// expired entry is evicted, not merely skipped, so it can't shadow a
// later Put under a race.
func (c *Cache) Get(key string, epochs EpochLookup) (Entry, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.items[key]
	if !ok {
		return Entry{}, false
	}
	se := el.Value.(*shardEntry)

	if c.ttl > 0 && c.clock.Now().Sub(se.entry.CreatedAt) > c.ttl {
		c.evictLocked(sh, el)
		return Entry{}, false
	}
	for ds, epoch := range se.entry.Epochs {
		cur, ok := epochs(ds)
		if !ok || cur != epoch {
			c.evictLocked(sh, el)
			return Entry{}, false
		}
	}

	sh.order.MoveToFront(el)
	return se.entry, true
}

// Put admits entry under key, evicting least-recently-used entries from
// the same shard until the byte budget is satisfied.
func (c *Cache) Put(key string, entry Entry) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.items[key]; ok {
		c.evictLocked(sh, el)
	}

	perShardBudget := c.maxBytes / shardCount
	for sh.curBytes+entry.Size > perShardBudget && sh.order.Len() > 0 {
		back := sh.order.Back()
		c.evictLocked(sh, back)
	}

	el := sh.order.PushFront(&shardEntry{key: key, entry: entry})
	sh.items[key] = el
	sh.curBytes += entry.Size
}

// Invalidate drops every cached entry tagged with dataset, used when a
// dataset's epoch advances for a reason the Get-time check wouldn't catch
// promptly enough (e.g. proactive eviction right after a refresh, instead
// of waiting for the next read to discover the stale tag).
func (c *Cache) Invalidate(dataset string) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for _, el := range sh.items {
			se := el.Value.(*shardEntry)
			if _, tagged := se.entry.Epochs[dataset]; tagged {
				c.evictLocked(sh, el)
			}
		}
		sh.mu.Unlock()
	}
}

func (c *Cache) evictLocked(sh *shard, el *list.Element) {
	se := el.Value.(*shardEntry)
	sh.curBytes -= se.entry.Size
	sh.order.Remove(el)
	delete(sh.items, se.key)
}
