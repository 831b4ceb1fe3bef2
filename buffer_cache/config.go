package buffer_cache

import (
	"fmt"
	"log/slog"
)

const (
	DEFAULT_BUFFERS    = 30
	DEFAULT_SHARDS     = 13
	DEFAULT_BLOCK_SIZE = 1024
)

// Config fixes the geometry of the cache. Nothing grows after construction.
type Config struct {

	// Buffers is the number of buffer slots in the pool.
	Buffers int

	// Shards is the number of independently locked LRU lists.
	Shards int

	// BlockSize is the size of Buffer data in bytes, one disk block.
	BlockSize int
}

func DefaultConfig() Config {
	return Config{
		Buffers:   DEFAULT_BUFFERS,
		Shards:    DEFAULT_SHARDS,
		BlockSize: DEFAULT_BLOCK_SIZE,
	}
}

func (config Config) validate() error {

	if config.Buffers <= 0 {
		return fmt.Errorf("buffer cache needs at least one buffer, got %d", config.Buffers)
	}
	if config.Shards <= 0 {
		return fmt.Errorf("buffer cache needs at least one shard, got %d", config.Shards)
	}
	if config.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", config.BlockSize)
	}
	return nil
}

// LockEvent describes one shard lock acquisition or release.
type LockEvent struct {

	// Call identifies the cache operation (one Get, Release, Pin or Unpin) the event belongs to.
	Call uint64

	Shard    int
	Acquired bool

	// Depth is the number of shard locks the operation holds after the event.
	Depth int
}

// LockObserver is called on every shard lock transition. Acquire events are
// delivered while the lock is held, release events after it was dropped.
type LockObserver func(event LockEvent)

type Option func(cache *BufferCache)

func WithLogger(logger *slog.Logger) Option {
	return func(cache *BufferCache) {
		cache.logger = logger
	}
}

func WithLockObserver(observer LockObserver) Option {
	return func(cache *BufferCache) {
		cache.observer = observer
	}
}
