package buffer_cache

// Stats aggregates cache activity.
type Stats struct {
	Hits   int64
	Misses int64

	// Evictions counts misses served by recycling a buffer of the block's own shard.
	Evictions int64

	// Steals counts misses served by moving a buffer in from another shard.
	Steals int64
}

// ShardStats describes one shard at the moment it was inspected.
type ShardStats struct {
	Shard      int
	Buffers    int
	Referenced int
	Stats
}

// Stats returns counters summed over all shards.
func (cache *BufferCache) Stats() Stats {

	var total Stats

	for _, shard := range cache.shards {
		total.Hits += shard.hits.Load()
		total.Misses += shard.misses.Load()
		total.Evictions += shard.evictions.Load()
		total.Steals += shard.steals.Load()
	}
	return total
}

// ShardStats returns per-shard statistics, taking each shard lock in turn.
func (cache *BufferCache) ShardStats() []ShardStats {

	stats := make([]ShardStats, len(cache.shards))

	for i, shard := range cache.shards {

		locks := cache.newLockSet()
		locks.acquire(i)

		buffers, referenced := 0, 0
		cache.list.forward(shard.head, func(node int32) bool {
			buffers++
			if cache.buffers[node].refCount > 0 {
				referenced++
			}
			return true
		})

		locks.release(i)

		stats[i] = ShardStats{
			Shard:      i,
			Buffers:    buffers,
			Referenced: referenced,
			Stats: Stats{
				Hits:      shard.hits.Load(),
				Misses:    shard.misses.Load(),
				Evictions: shard.evictions.Load(),
				Steals:    shard.steals.Load(),
			},
		}
	}

	return stats
}

// Config returns the geometry the cache was built with.
func (cache *BufferCache) Config() Config {
	return cache.config
}
