// Package buffer_cache caches fixed-size disk blocks in a fixed pool of buffers.
//
// Interface:
//   - To get a buffer for a particular disk block, call Read.
//   - After changing buffer data, call Write to write it to disk.
//   - When done with the buffer, call Release (or Done on the guard).
//   - Do not use the buffer after releasing it.
//   - Only one caller at a time can use a buffer, so do not keep them longer than necessary.
//
// Buffers are spread over shards, each with its own lock and LRU list, so
// lookups of unrelated blocks do not contend. When a shard has nothing to
// evict, a victim is taken from another shard; shard locks are then always
// acquired in ascending index order.
package buffer_cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Adarsh-Kmt/kmem/fatal"
	"github.com/ncw/directio"
)

// NO_DEV marks a buffer that has never been assigned a block.
const NO_DEV = ^uint32(0)

// Driver performs synchronous block transfers between a buffer's data and the device.
type Driver interface {
	Transfer(dev uint32, blockNumber uint32, data []byte, write bool) error
}

type BufferCache struct {
	config Config
	driver Driver

	buffers []*Buffer
	shards  []*shard
	list    *recencyList

	calls    atomic.Uint64
	observer LockObserver
	logger   *slog.Logger
}

// NewBufferCache partitions config.Buffers slots evenly across config.Shards LRU lists.
func NewBufferCache(config Config, driver Driver, opts ...Option) (*BufferCache, error) {

	if err := config.validate(); err != nil {
		return nil, err
	}

	cache := &BufferCache{
		config:  config,
		driver:  driver,
		buffers: make([]*Buffer, config.Buffers),
		shards:  make([]*shard, config.Shards),
		list:    newRecencyList(config.Buffers, config.Shards),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	// one aligned arena backs every buffer, so block data can be handed to direct I/O as is.
	arena := directio.AlignedBlock(config.Buffers * config.BlockSize)

	b := 0
	for s := 0; s < config.Shards; s++ {

		cache.shards[s] = &shard{
			mutex: &sync.Mutex{},
			head:  int32(config.Buffers + s),
		}

		for ; b < config.Buffers*(s+1)/config.Shards; b++ {

			cache.buffers[b] = &Buffer{
				id:   int32(b),
				dev:  NO_DEV,
				lock: newSleepLock(),
				data: arena[b*config.BlockSize : (b+1)*config.BlockSize : (b+1)*config.BlockSize],
			}
			cache.list.pushFront(cache.shards[s].head, int32(b))
		}
	}

	cache.logger.Info("initialized buffer cache", "buffers", config.Buffers, "shards", config.Shards, "blockSize", config.BlockSize, "function", "NewBufferCache", "at", "BufferCache")

	return cache, nil
}

func (cache *BufferCache) shardOf(blockNumber uint32) int {
	return int(blockNumber % uint32(cache.config.Shards))
}

// lookup finds the buffer caching (dev, blockNumber) in a shard. The shard lock must be held.
func (cache *BufferCache) lookup(index int, dev uint32, blockNumber uint32) *Buffer {

	var found *Buffer

	cache.list.forward(cache.shards[index].head, func(node int32) bool {
		buffer := cache.buffers[node]
		if buffer.dev == dev && buffer.blockNumber == blockNumber {
			found = buffer
			return false
		}
		return true
	})

	return found
}

// victim returns the least recently used unreferenced buffer of a shard. The shard lock must be held.
func (cache *BufferCache) victim(index int) *Buffer {

	var found *Buffer

	cache.list.backward(cache.shards[index].head, func(node int32) bool {
		buffer := cache.buffers[node]
		if buffer.refCount == 0 {
			found = buffer
			return false
		}
		return true
	})

	return found
}

// assign recycles buffer for (dev, blockNumber). The lock of the shard it is linked into must be held.
func assign(buffer *Buffer, dev uint32, blockNumber uint32) {
	buffer.dev = dev
	buffer.blockNumber = blockNumber
	buffer.valid = false
	buffer.refCount = 1
}

// bget looks through the cache for block blockNumber on device dev.
// If not found, it recycles a buffer. In either case it returns the buffer
// with its reference count raised and no locks held.
func (cache *BufferCache) bget(dev uint32, blockNumber uint32) *Buffer {

	// unassigned buffers carry NO_DEV and would match the lookup.
	if dev == NO_DEV {
		fatal.Abort("bget", "device %d is reserved", dev)
	}

	target := cache.shardOf(blockNumber)
	locks := cache.newLockSet()

	locks.acquire(target)

	// is the block already cached?
	if buffer := cache.lookup(target, dev, blockNumber); buffer != nil {
		buffer.refCount++
		cache.shards[target].hits.Add(1)
		locks.release(target)
		return buffer
	}

	cache.shards[target].misses.Add(1)

	// not cached, recycle the least recently used unreferenced buffer of this shard.
	if buffer := cache.victim(target); buffer != nil {
		assign(buffer, dev, blockNumber)
		cache.shards[target].evictions.Add(1)
		locks.release(target)

		cache.logger.Debug("recycled buffer", "dev", dev, "blockNumber", blockNumber, "shard", target, "function", "bget", "at", "BufferCache")
		return buffer
	}

	locks.release(target)

	// the shard is fully referenced, borrow a buffer from the shards before it, then after it.
	for candidate := 0; candidate < target; candidate++ {
		if buffer := cache.steal(locks, target, candidate, dev, blockNumber); buffer != nil {
			return buffer
		}
	}

	for candidate := target + 1; candidate < cache.config.Shards; candidate++ {
		if buffer := cache.steal(locks, target, candidate, dev, blockNumber); buffer != nil {
			return buffer
		}
	}

	fatal.Abort("bget", "no buffers")
	return nil
}

// steal moves an unreferenced buffer from shard candidate into shard target and
// assigns it to (dev, blockNumber).
func (cache *BufferCache) steal(locks *lockSet, target int, candidate int, dev uint32, blockNumber uint32) *Buffer {

	locks.acquirePair(target, candidate)
	defer locks.releasePair(target, candidate)

	// the target lock was dropped, another caller may have cached the block meanwhile.
	if buffer := cache.lookup(target, dev, blockNumber); buffer != nil {
		buffer.refCount++
		cache.shards[target].hits.Add(1)
		return buffer
	}

	buffer := cache.victim(candidate)

	if buffer == nil {
		return nil
	}

	cache.list.moveToFront(cache.shards[target].head, buffer.id)
	assign(buffer, dev, blockNumber)
	cache.shards[target].steals.Add(1)

	cache.logger.Debug("moved buffer between shards", "dev", dev, "blockNumber", blockNumber, "from", candidate, "to", target, "function", "steal", "at", "BufferCache")

	return buffer
}

// Get returns the locked buffer for the block, without reading it from the device.
// It blocks while another caller holds the buffer.
func (cache *BufferCache) Get(dev uint32, blockNumber uint32) *BufferGuard {

	buffer := cache.bget(dev, blockNumber)

	guard := &BufferGuard{
		active: true,
		buffer: buffer,
		cache:  cache,
	}

	buffer.lock.acquire(guard)

	return guard
}

// Read returns a locked buffer holding the contents of the block.
// On a device error the buffer is released and the error returned.
func (cache *BufferCache) Read(dev uint32, blockNumber uint32) (*BufferGuard, error) {

	guard := cache.Get(dev, blockNumber)

	if !guard.buffer.valid {

		if err := cache.driver.Transfer(dev, blockNumber, guard.buffer.data, false); err != nil {
			cache.logger.Error("failed to read block", "dev", dev, "blockNumber", blockNumber, "error", err.Error(), "function", "Read", "at", "BufferCache")
			cache.Release(guard)
			return nil, err
		}

		guard.buffer.valid = true
	}

	return guard, nil
}

// Write writes the buffer's contents to disk. The guard must hold the buffer.
func (cache *BufferCache) Write(guard *BufferGuard) error {

	if guard == nil || !guard.active || !guard.buffer.lock.holding(guard) {
		fatal.Abort("bwrite", "buffer not locked by caller")
	}

	buffer := guard.buffer

	if err := cache.driver.Transfer(buffer.dev, buffer.blockNumber, buffer.data, true); err != nil {
		cache.logger.Error("failed to write block", "dev", buffer.dev, "blockNumber", buffer.blockNumber, "error", err.Error(), "function", "Write", "at", "BufferCache")
		return err
	}
	return nil
}

// Release unlocks the buffer. Once unreferenced it moves to the most recently used end of its shard.
func (cache *BufferCache) Release(guard *BufferGuard) {

	if guard == nil || !guard.active || !guard.buffer.lock.holding(guard) {
		fatal.Abort("brelse", "buffer not locked by caller")
	}

	buffer := guard.buffer

	guard.active = false
	buffer.lock.release()

	index := cache.shardOf(buffer.blockNumber)
	locks := cache.newLockSet()

	locks.acquire(index)

	if buffer.refCount <= 0 {
		locks.release(index)
		fatal.Abort("brelse", "reference count underflow on block %d", buffer.blockNumber)
	}

	buffer.refCount--

	if buffer.refCount == 0 {
		// no one is waiting for it.
		cache.list.moveToFront(cache.shards[index].head, buffer.id)
	}

	locks.release(index)
}

// Pin keeps the guard's buffer from being recycled after it is released, until Unpin.
func (cache *BufferCache) Pin(guard *BufferGuard) {

	if guard == nil || !guard.active {
		fatal.Abort("bpin", "buffer not held by caller")
	}

	index := cache.shardOf(guard.buffer.blockNumber)
	locks := cache.newLockSet()

	locks.acquire(index)
	guard.buffer.refCount++
	locks.release(index)
}

// Unpin drops a reference taken by Pin. The guard's own reference cannot be unpinned.
func (cache *BufferCache) Unpin(guard *BufferGuard) {

	if guard == nil || !guard.active {
		fatal.Abort("bunpin", "buffer not held by caller")
	}

	index := cache.shardOf(guard.buffer.blockNumber)
	locks := cache.newLockSet()

	locks.acquire(index)

	if guard.buffer.refCount <= 1 {
		locks.release(index)
		fatal.Abort("bunpin", "block %d is not pinned", guard.buffer.blockNumber)
	}

	guard.buffer.refCount--
	locks.release(index)
}
