package classifier

import (
	"hash/fnv"
	"math/rand"
	"sort"
)

const (
	numBuckets = 1024
	// maxEntrySize caps a single entry slightly below 16MiB, mirroring
	// the teacher-independent spec invariant max_entry_size_16MiB-5
	// (spec.md §4.3 insert rule).
	maxEntrySize = 16*1024*1024 - 5
)

type cacheEntry struct {
	key     string
	info    *QueryInfo
	sqlMode string
	options int
	size    int
	hits    int
}

// Stats mirrors spec.md §6's classifier cache stats resource.
type Stats struct {
	Size      int64
	Inserts   int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is a per-worker canonical-SQL memoization table with a
// random-walk eviction policy (spec.md §4.3). Not safe for concurrent
// use from more than one goroutine — each worker owns exactly one.
type Cache struct {
	buckets [numBuckets][]*cacheEntry
	index   map[string]int // key -> bucket index, for O(1) lookup/delete
	rng     *rand.Rand

	quota int64
	stats Stats
}

// NewCache creates a Cache with the given byte quota. rng should be the
// owning worker's private random source (worker.Worker.Rand) so no
// cross-worker locking is needed for eviction draws.
func NewCache(quota int64, rng *rand.Rand) *Cache {
	return &Cache{
		index: make(map[string]int),
		rng:   rng,
		quota: quota,
	}
}

func bucketFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % numBuckets)
}

// Get returns the cached info for canonical iff it was produced under
// the same sqlMode and options; a stale match is evicted and counted as
// a miss (spec.md §4.3 cache get).
func (c *Cache) Get(canonical, sqlMode string, options int) (*QueryInfo, bool) {
	if c.quota <= 0 {
		return nil, false
	}
	bi, ok := c.index[canonical]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	for i, e := range c.buckets[bi] {
		if e.key != canonical {
			continue
		}
		if e.sqlMode != sqlMode || e.options != options {
			c.removeAt(bi, i)
			c.stats.Misses++
			return nil, false
		}
		e.hits++
		e.info.hitCount = e.hits
		c.stats.Hits++
		return e.info, true
	}
	c.stats.Misses++
	return nil, false
}

// Insert adds canonical -> info under the given mode/options, evicting
// victims first if needed to make room. Entries bigger than the quota or
// the 16MiB-ish cap are rejected outright (spec.md §4.3 insert rule).
func (c *Cache) Insert(canonical string, info *QueryInfo, sqlMode string, options, size int) bool {
	if c.quota <= 0 {
		return false
	}
	if size < 0 || size > maxEntrySize || int64(size) > c.quota {
		return false
	}
	if _, exists := c.index[canonical]; exists {
		return false
	}

	for c.stats.Size+int64(size) > c.quota {
		if !c.evictOne() {
			return false
		}
	}

	bi := bucketFor(canonical)
	e := &cacheEntry{key: canonical, info: info, sqlMode: sqlMode, options: options, size: size}
	c.buckets[bi] = append(c.buckets[bi], e)
	c.index[canonical] = bi
	c.stats.Size += int64(size)
	c.stats.Inserts++
	return true
}

// UpdateTotalSize adjusts the recorded size of an existing entry that
// grew in-place after a deeper collect_level request (spec.md §4.3).
func (c *Cache) UpdateTotalSize(canonical string, delta int) {
	bi, ok := c.index[canonical]
	if !ok {
		return
	}
	for _, e := range c.buckets[bi] {
		if e.key == canonical {
			e.size += delta
			c.stats.Size += int64(delta)
			return
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	for i := range c.buckets {
		c.buckets[i] = nil
	}
	c.index = make(map[string]int)
	c.stats.Size = 0
}

// SetQuota changes the byte quota, evicting surplus entries
// immediately if it shrank (spec.md §4.3 per-thread quota rebalancing).
func (c *Cache) SetQuota(quota int64) {
	c.quota = quota
	if quota <= 0 {
		c.Clear()
		return
	}
	for c.stats.Size > c.quota {
		if !c.evictOne() {
			return
		}
	}
}

// Quota returns the current byte quota.
func (c *Cache) Quota() int64 { return c.quota }

// evictOne performs one random-walk eviction step: draw a start bucket
// uniformly at random, walk forward (wrapping) until a non-empty bucket
// is found, and evict its first entry. Returns false if the cache is
// empty.
func (c *Cache) evictOne() bool {
	if len(c.index) == 0 {
		return false
	}
	start := c.rng.Intn(numBuckets)
	for i := 0; i < numBuckets; i++ {
		bi := (start + i) % numBuckets
		if len(c.buckets[bi]) == 0 {
			continue
		}
		victim := c.buckets[bi][0]
		c.removeAt(bi, 0)
		_ = victim
		c.stats.Evictions++
		return true
	}
	return false
}

func (c *Cache) removeAt(bucketIdx, pos int) {
	e := c.buckets[bucketIdx][pos]
	c.stats.Size -= int64(e.size)
	c.buckets[bucketIdx] = append(c.buckets[bucketIdx][:pos], c.buckets[bucketIdx][pos+1:]...)
	delete(c.index, e.key)
}

// StatsSnapshot returns a snapshot of the cache's counters.
func (c *Cache) StatsSnapshot() Stats { return c.stats }

// TopN returns the top-n entries by hit count, for the admin State
// resource (spec.md §6).
func (c *Cache) TopN(n int) []TopEntry {
	all := make([]TopEntry, 0, len(c.index))
	for _, bi := range c.buckets {
		for _, e := range bi {
			all = append(all, TopEntry{
				Canonical: e.key,
				Hits:      e.hits,
				TypeMask:  e.info.TypeMask,
				Op:        e.info.Op,
				Size:      e.size,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Hits > all[j].Hits })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// TopEntry is one row of the admin State resource's top-N listing.
type TopEntry struct {
	Canonical string
	Hits      int
	TypeMask  TypeMask
	Op        Operation
	Size      int
}
