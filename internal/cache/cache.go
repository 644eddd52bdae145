// Package cache is the two-tier result cache: sharded in-memory LRU buckets
// whose size follows memory pressure, spilling to a byte-bounded warm store.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/hyperifyio/metaextract/internal/blobstore"
	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/memwatch"
)

// Codec turns values into warm-tier bytes and back.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// Config sizes the cache. Zero values use the defaults noted.
type Config struct {
	Shards        int   // 16
	TargetEntries int   // 1000
	Floor         int   // 50
	WarmMaxBytes  int64 // 256 MiB
	// Store is the warm tier; nil disables it.
	Store blobstore.Store
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.TargetEntries <= 0 {
		c.TargetEntries = 1000
	}
	if c.Floor <= 0 {
		c.Floor = 50
	}
	if c.WarmMaxBytes <= 0 {
		c.WarmMaxBytes = 256 << 20
	}
	return c
}

// Computed is what a compute function returns. NoStore hands the value to
// every waiter without caching it.
type Computed[V any] struct {
	Value   V
	Size    int64
	NoStore bool
}

// ComputeFunc produces a value on a miss. Its context is detached from the
// caller's cancellation because other callers may be waiting on it.
type ComputeFunc[V any] func(ctx context.Context) (Computed[V], error)

type entry[V any] struct {
	key        string
	val        V
	size       int64
	lastAccess time.Time
}

type shard[V any] struct {
	mu     sync.Mutex
	ll     *list.List
	items  map[string]*list.Element
	bytes  int64
	flight singleflight.Group
}

type counters struct {
	Hits         atomic.Uint64
	Misses       atomic.Uint64
	WarmHits     atomic.Uint64
	Computations atomic.Uint64
	Shared       atomic.Uint64
	Evictions    atomic.Uint64
	Demotions    atomic.Uint64
	Dropped      atomic.Uint64
	Corruptions  atomic.Uint64
	WarmErrors   atomic.Uint64
}

// Cache is safe for concurrent use. Each shard has its own lock; no store I/O
// happens while any cache lock is held.
type Cache[V any] struct {
	cfg   Config
	codec Codec[V]
	store blobstore.Store
	warm  *warmIndex

	shards []*shard[V]

	// pressureMu is held shared by Put and exclusively by critical eviction,
	// so new entries wait until memory has been released.
	pressureMu sync.RWMutex
	level      atomic.Int32
	// target bounds the entry count across all shards; count is the
	// current total. Shards only partition locking.
	target atomic.Int64
	count  atomic.Int64

	stats counters
}

// New builds a cache. codec may be nil when no warm store is configured.
func New[V any](cfg Config, codec Codec[V]) *Cache[V] {
	cfg = cfg.withDefaults()
	if codec == nil {
		codec = JSONCodec[V]{}
	}
	c := &Cache[V]{cfg: cfg, codec: codec, store: cfg.Store}
	if c.store != nil {
		c.warm = newWarmIndex(cfg.WarmMaxBytes)
	}
	for i := 0; i < cfg.Shards; i++ {
		c.shards = append(c.shards, &shard[V]{ll: list.New(), items: make(map[string]*list.Element)})
	}
	c.setTarget(cfg.TargetEntries)
	return c
}

// Fingerprint hashes the parts that determine an extraction result.
func Fingerprint(contentHash string, tier string, domains []string, options map[string]string) string {
	ds := append([]string(nil), domains...)
	sort.Strings(ds)
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "content=%s\ntier=%s\ndomains=%s\n", contentHash, tier, strings.Join(ds, ","))
	for _, k := range keys {
		fmt.Fprintf(h, "opt:%s=%s\n", k, options[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

func (c *Cache[V]) setTarget(total int) { c.target.Store(int64(total)) }

// Get looks in memory, then in the warm tier. A warm hit is promoted.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := c.getMemory(key); ok {
		c.stats.Hits.Add(1)
		return v, true
	}
	if v, ok := c.getWarm(ctx, key); ok {
		c.stats.WarmHits.Add(1)
		return v, true
	}
	c.stats.Misses.Add(1)
	var zero V
	return zero, false
}

func (c *Cache[V]) getMemory(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry[V])
		e.lastAccess = time.Now()
		s.ll.MoveToFront(el)
		return e.val, true
	}
	var zero V
	return zero, false
}

func (c *Cache[V]) getWarm(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.store == nil {
		return zero, false
	}
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.stats.WarmErrors.Add(1)
		log.Debug().Err(err).Str("key", key).Msg("warm tier read failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}
	v, err := c.codec.Decode(b)
	if err != nil {
		c.stats.Corruptions.Add(1)
		log.Warn().Err(fmt.Errorf("%w: %v", failure.ErrCacheCorruption, err)).Str("key", key).Msg("discarding unreadable warm entry")
		c.warm.remove(key)
		_ = c.store.Delete(ctx, key)
		return zero, false
	}
	c.warm.remove(key)
	_ = c.store.Delete(ctx, key)
	c.Put(ctx, key, v, int64(len(b)))
	return v, true
}

// Put stores v in memory. Entries pushed out of the memory tier are written
// to the warm tier after the shard lock is released.
func (c *Cache[V]) Put(ctx context.Context, key string, v V, size int64) {
	c.pressureMu.RLock()
	s := c.shardFor(key)
	s.mu.Lock()
	now := time.Now()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry[V])
		s.bytes += size - e.size
		e.val, e.size, e.lastAccess = v, size, now
		s.ll.MoveToFront(el)
	} else {
		s.items[key] = s.ll.PushFront(&entry[V]{key: key, val: v, size: size, lastAccess: now})
		s.bytes += size
		c.count.Add(1)
	}
	s.mu.Unlock()
	victims := c.evictTo(int(c.target.Load()))
	c.pressureMu.RUnlock()

	c.stats.Evictions.Add(uint64(len(victims)))
	c.demote(ctx, victims)
}

// evictTo removes least recently used entries until at most target remain.
// The victim is the oldest shard tail, so eviction order is global even
// though each shard keeps its own list.
func (c *Cache[V]) evictTo(target int) []*entry[V] {
	if target < 0 {
		target = 0
	}
	var out []*entry[V]
	for c.count.Load() > int64(target) {
		var oldest *shard[V]
		var at time.Time
		for _, s := range c.shards {
			s.mu.Lock()
			if el := s.ll.Back(); el != nil {
				if e := el.Value.(*entry[V]); oldest == nil || e.lastAccess.Before(at) {
					oldest, at = s, e.lastAccess
				}
			}
			s.mu.Unlock()
		}
		if oldest == nil {
			break
		}
		oldest.mu.Lock()
		if el := oldest.ll.Back(); el != nil {
			e := el.Value.(*entry[V])
			oldest.ll.Remove(el)
			delete(oldest.items, e.key)
			oldest.bytes -= e.size
			c.count.Add(-1)
			out = append(out, e)
		}
		oldest.mu.Unlock()
	}
	return out
}

func (c *Cache[V]) demote(ctx context.Context, victims []*entry[V]) {
	if len(victims) == 0 {
		return
	}
	if c.store == nil {
		c.stats.Dropped.Add(uint64(len(victims)))
		return
	}
	for _, e := range victims {
		b, err := c.codec.Encode(e.val)
		if err != nil {
			c.stats.Dropped.Add(1)
			log.Debug().Err(err).Str("key", e.key).Msg("cannot encode evicted entry")
			continue
		}
		if err := c.store.Put(ctx, e.key, b); err != nil {
			c.stats.WarmErrors.Add(1)
			c.stats.Dropped.Add(1)
			log.Debug().Err(err).Str("key", e.key).Msg("warm tier write failed")
			continue
		}
		c.stats.Demotions.Add(1)
		for _, k := range c.warm.add(e.key, int64(len(b))) {
			_ = c.store.Delete(ctx, k)
		}
	}
}

// Invalidate removes key from both tiers.
func (c *Cache[V]) Invalidate(ctx context.Context, key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry[V])
		s.ll.Remove(el)
		delete(s.items, key)
		s.bytes -= e.size
		c.count.Add(-1)
	}
	s.mu.Unlock()
	if c.store != nil {
		c.warm.remove(key)
		_ = c.store.Delete(ctx, key)
	}
}

// GetOrCompute returns the cached value or runs compute once per key no
// matter how many callers miss concurrently. A caller whose ctx ends stops
// waiting; the computation continues for the others.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute ComputeFunc[V]) (V, error) {
	var zero V
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	s := c.shardFor(key)
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (any, error) {
		if v, ok := c.getMemory(key); ok {
			return v, nil
		}
		c.stats.Computations.Add(1)
		r, err := compute(detached)
		if err != nil {
			return nil, err
		}
		if !r.NoStore {
			c.Put(detached, key, r.Value, r.Size)
		}
		return r.Value, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.stats.Shared.Add(1)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", failure.ErrCancelled, ctx.Err())
	}
}

// Len returns the number of entries in the memory tier.
func (c *Cache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.ll.Len()
		s.mu.Unlock()
	}
	return n
}

// Level returns the pressure level the cache last adapted to.
func (c *Cache[V]) Level() memwatch.Level { return memwatch.Level(c.level.Load()) }

// TargetFor returns the memory-tier entry target for a pressure level.
func (c *Cache[V]) TargetFor(level memwatch.Level) int {
	base := c.cfg.TargetEntries
	switch level {
	case memwatch.Elevated:
		return base * 3 / 4
	case memwatch.High:
		return base / 2
	case memwatch.Critical:
		if c.cfg.Floor < base {
			return c.cfg.Floor
		}
		return base
	}
	return base
}

// Adapt resizes the memory tier for level. Under Critical the eviction runs
// with new Puts blocked and evicted entries are dropped rather than spilled.
// Under High the warm tier is also trimmed to half its byte budget.
func (c *Cache[V]) Adapt(ctx context.Context, level memwatch.Level) {
	prev := memwatch.Level(c.level.Swap(int32(level)))
	target := c.TargetFor(level)

	if level == memwatch.Critical {
		c.pressureMu.Lock()
		c.setTarget(target)
		dropped := len(c.evictTo(target))
		c.pressureMu.Unlock()
		c.stats.Evictions.Add(uint64(dropped))
		c.stats.Dropped.Add(uint64(dropped))
		log.Warn().Int("target", target).Int("dropped", dropped).Msg("critical memory pressure: cache shrunk to floor")
		return
	}

	c.setTarget(target)
	victims := c.evictTo(target)
	c.stats.Evictions.Add(uint64(len(victims)))
	c.demote(ctx, victims)

	if level == memwatch.High && c.store != nil {
		half := c.cfg.WarmMaxBytes / 2
		for _, k := range c.warm.trim(half) {
			_ = c.store.Delete(ctx, k)
		}
		if e, ok := c.store.(blobstore.Expirer); ok {
			if n, err := e.Expire(ctx); err != nil {
				log.Debug().Err(err).Msg("warm tier expiry failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Msg("warm tier expired")
			}
		}
		if p, ok := c.store.(blobstore.Pruner); ok {
			if n, err := p.Prune(ctx, half, 0); err != nil {
				log.Debug().Err(err).Msg("warm tier prune failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Msg("warm tier pruned")
			}
		}
	}
	if prev != level {
		log.Info().Str("level", level.String()).Int("target", target).Int("spilled", len(victims)).Msg("cache adapted to memory pressure")
	}
}

// Watch subscribes the cache to a monitor. The returned function
// unsubscribes.
func (c *Cache[V]) Watch(m *memwatch.Monitor) func() {
	return m.Subscribe(memwatch.Normal, func(tr memwatch.Transition) {
		c.Adapt(context.Background(), tr.To)
	})
}

// Stats is a point-in-time view of both tiers.
type Stats struct {
	Entries      int    `json:"entries"`
	MemoryBytes  int64  `json:"memory_bytes"`
	Target       int    `json:"target"`
	BaseTarget   int    `json:"base_target"`
	Floor        int    `json:"floor"`
	Level        string `json:"level"`
	Shards       int    `json:"shards"`
	Hits         uint64 `json:"hits"`
	WarmHits     uint64 `json:"warm_hits"`
	Misses       uint64 `json:"misses"`
	Computations uint64 `json:"computations"`
	Shared       uint64 `json:"shared_waits"`
	Evictions    uint64 `json:"evictions"`
	Demotions    uint64 `json:"demotions"`
	Dropped      uint64 `json:"dropped"`
	Corruptions  uint64 `json:"corruptions"`
	WarmErrors   uint64 `json:"warm_errors"`
	WarmEntries  int    `json:"warm_entries"`
	WarmBytes    int64  `json:"warm_bytes"`
	WarmMaxBytes int64  `json:"warm_max_bytes"`
	// StoreEntries and StoreBytes are what the backing store reports,
	// including entries written by earlier runs or other processes.
	StoreEntries int   `json:"store_entries,omitempty"`
	StoreBytes   int64 `json:"store_bytes,omitempty"`
}

func (c *Cache[V]) Stats() Stats {
	st := Stats{
		Target:       int(c.target.Load()),
		BaseTarget:   c.cfg.TargetEntries,
		Floor:        c.cfg.Floor,
		Level:        c.Level().String(),
		Shards:       len(c.shards),
		Hits:         c.stats.Hits.Load(),
		WarmHits:     c.stats.WarmHits.Load(),
		Misses:       c.stats.Misses.Load(),
		Computations: c.stats.Computations.Load(),
		Shared:       c.stats.Shared.Load(),
		Evictions:    c.stats.Evictions.Load(),
		Demotions:    c.stats.Demotions.Load(),
		Dropped:      c.stats.Dropped.Load(),
		Corruptions:  c.stats.Corruptions.Load(),
		WarmErrors:   c.stats.WarmErrors.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Entries += s.ll.Len()
		st.MemoryBytes += s.bytes
		s.mu.Unlock()
	}
	if c.warm != nil {
		st.WarmEntries, st.WarmBytes = c.warm.stat()
		st.WarmMaxBytes = c.cfg.WarmMaxBytes
	}
	if sr, ok := c.store.(blobstore.Statter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ss, err := sr.Stat(ctx); err == nil {
			st.StoreEntries, st.StoreBytes = ss.Entries, ss.Bytes
		} else {
			log.Debug().Err(err).Msg("warm tier stat failed")
		}
	}
	return st
}
