// cache/cache.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package cache implements a sharded two-level cache of chunk contents.
// The fast level holds decoded chunks in memory; the slow level holds
// compressed copies, either in memory or in a directory of files.
package cache

import (
	"context"
	"fmt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mmp/zbk/storage"
	u "github.com/mmp/zbk/util"
	"golang.org/x/sync/singleflight"
	"path/filepath"
	"sync/atomic"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	DefaultShards          = 16
	DefaultFastEntries     = 0x800
	DefaultSlowEntries     = 0x4000
	DefaultDiskSlowEntries = 0x20000
)

// Options configure a Cache. Entry counts are totals across all shards.
type Options struct {
	Shards      int
	FastEntries int
	SlowEntries int
	// If set, the slow level is a directory of lz4-compressed files in
	// Dir; otherwise it's zstd-compressed and held in memory.
	Dir string
}

// Stats reports the cache's activity since it was created.
type Stats struct {
	Hits      int64 `json:"hits"`
	SlowHits  int64 `json:"slow_hits"`
	Misses    int64 `json:"misses"`
	Loads     int64 `json:"loads"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// Loader returns the contents of a chunk that isn't in the cache.
type Loader func(ctx context.Context) ([]byte, error)

// Cache is safe for concurrent use. At most one Loader runs at a time for
// any given chunk.
type Cache struct {
	shards []*shard

	hits, slowHits, misses, loads, evictions atomic.Int64
}

type shard struct {
	fast  *lru.Cache[storage.ChunkId, []byte]
	slow  slowTier
	group singleflight.Group
}

// New returns a new Cache.
func New(opts Options) (*Cache, error) {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.FastEntries <= 0 {
		opts.FastEntries = DefaultFastEntries
	}
	if opts.SlowEntries <= 0 {
		opts.SlowEntries = DefaultSlowEntries
		if opts.Dir != "" {
			opts.SlowEntries = DefaultDiskSlowEntries
		}
	}

	c := &Cache{}
	onFastEvict := func() {
		c.evictions.Add(1)
		evictionsTotal.WithLabelValues("fast").Inc()
	}
	onSlowEvict := func() {
		c.evictions.Add(1)
		evictionsTotal.WithLabelValues("slow").Inc()
	}
	for i := 0; i < opts.Shards; i++ {
		s := &shard{}
		var err error
		s.fast, err = lru.NewWithEvict(max(1, opts.FastEntries/opts.Shards),
			func(storage.ChunkId, []byte) { onFastEvict() })
		if err != nil {
			return nil, err
		}

		slowEntries := max(1, opts.SlowEntries/opts.Shards)
		if opts.Dir != "" {
			dir := filepath.Join(opts.Dir, fmt.Sprintf("%02x", i))
			if s.slow, err = newDiskTier(dir, slowEntries, onSlowEvict); err != nil {
				return nil, u.IOError(err, dir)
			}
		} else if s.slow, err = newMemoryTier(slowEntries, onSlowEvict); err != nil {
			return nil, err
		}
		c.shards = append(c.shards, s)
	}

	where := "memory"
	if opts.Dir != "" {
		where = opts.Dir
	}
	log.Verbose("cache: %d shards, %d fast entries, %d slow entries in %s", opts.Shards,
		opts.FastEntries, opts.SlowEntries, where)
	return c, nil
}

func (c *Cache) shard(id storage.ChunkId) *shard {
	// Chunk ids are hashes, so any of their bytes are well distributed.
	return c.shards[int(id[0])%len(c.shards)]
}

// Get returns the given chunk if it's cached.
func (c *Cache) Get(id storage.ChunkId) ([]byte, bool) {
	s := c.shard(id)
	if b, ok := s.fast.Get(id); ok {
		c.hits.Add(1)
		requestsTotal.WithLabelValues("hit").Inc()
		return b, true
	}
	if b, ok := s.slow.get(id); ok {
		c.slowHits.Add(1)
		requestsTotal.WithLabelValues("slow_hit").Inc()
		s.fast.Add(id, b)
		return b, true
	}
	return nil, false
}

// GetOrLoad returns the given chunk, calling load to get its contents if
// it isn't cached. Concurrent callers for the same missing chunk wait for
// a single call to load. The returned slice must not be modified.
func (c *Cache) GetOrLoad(ctx context.Context, id storage.ChunkId, load Loader) ([]byte, error) {
	if b, ok := c.Get(id); ok {
		return b, nil
	}
	c.misses.Add(1)
	requestsTotal.WithLabelValues("miss").Inc()

	s := c.shard(id)
	// The load continues if the caller that started it goes away, since
	// others may be waiting for it and its result is cached regardless.
	lctx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(string(id[:]), func() (interface{}, error) {
		// It may have been added while we were waiting for the group.
		if b, ok := s.fast.Peek(id); ok {
			return b, nil
		}
		c.loads.Add(1)
		loadsTotal.Inc()
		b, err := load(lctx)
		if err != nil {
			return nil, err
		}
		b = c.add(s, id, b)
		return b, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Put adds the given chunk to the cache if it isn't already present. It's
// used for chunks that were loaded along with a requested one.
func (c *Cache) Put(id storage.ChunkId, data []byte) {
	s := c.shard(id)
	if s.fast.Contains(id) {
		return
	}
	c.add(s, id, data)
}

// add stores a private copy of data in both levels and returns it. Chunks
// often alias a much larger bundle payload that shouldn't be kept alive.
func (c *Cache) add(s *shard, id storage.ChunkId, data []byte) []byte {
	b := append([]byte(nil), data...)
	s.fast.Add(id, b)
	s.slow.add(id, b)
	return b
}

// Stats returns the cache's statistics.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		SlowHits:  c.slowHits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		st.Entries += s.fast.Len()
	}
	return st
}

func (s Stats) String() string {
	return fmt.Sprintf("%d hits, %d slow hits, %d misses, %d loads, %d evictions, %d entries",
		s.Hits, s.SlowHits, s.Misses, s.Loads, s.Evictions, s.Entries)
}
