package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded is an in-memory TTL cache split over lock-striped shards.
type Sharded struct {
	shards [numShards]*shard
	now    func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	val       []byte
	expiresAt time.Time
	updatedAt time.Time
}

// NewSharded creates an empty sharded cache.
func NewSharded() *Sharded {
	c := &Sharded{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *Sharded) Name() string { return "memory" }

func (c *Sharded) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Get returns a live entry.
func (c *Sharded) Get(_ context.Context, key string) ([]byte, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)) {
		return nil, false
	}
	return e.val, true
}

// Set stores val; ttl <= 0 keeps it until deleted.
func (c *Sharded) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	now := c.now()
	e := entry{val: append([]byte(nil), val...), updatedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
}

func (c *Sharded) Delete(_ context.Context, key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards, expired ones included.
func (c *Sharded) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Sharded) Cleanup() int {
	removed := 0
	now := c.now()
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Stats provides cache statistics.
type Stats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

func (c *Sharded) Stats() Stats {
	stats := Stats{}
	var oldest time.Time
	for i, s := range c.shards {
		s.mu.RLock()
		stats.ShardCounts[i] = len(s.items)
		stats.TotalItems += len(s.items)
		for _, e := range s.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		s.mu.RUnlock()
	}
	if !oldest.IsZero() {
		stats.OldestAge = c.now().Sub(oldest)
	}
	return stats
}

// StartJanitor runs Cleanup every interval until ctx ends.
func (c *Sharded) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Cleanup()
			}
		}
	}()
}
