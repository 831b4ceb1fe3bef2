package buffer_cache

// Buffer is one slot of the cache. Its identity (dev, blockNumber) and
// refCount are guarded by the lock of the shard it is linked into; valid and
// data are guarded by the buffer's own sleep lock.
type Buffer struct {
	id int32

	dev         uint32
	blockNumber uint32

	// valid is true once data holds the block's on-disk contents.
	valid bool

	// refCount counts guards that have not been released yet plus pins.
	refCount int

	lock *sleepLock
	data []byte
}

// BufferGuard is the caller's handle on a locked buffer.
// Only the guard returned by Get/Read may write or release the buffer.
type BufferGuard struct {

	// active is used to prevent users from using a guard once it has been released.
	active bool
	buffer *Buffer
	cache  *BufferCache
}

// Data returns the block contents. The slice must not be used after Done/Release.
func (guard *BufferGuard) Data() []byte {

	if !guard.active {
		return nil
	}
	return guard.buffer.data
}

func (guard *BufferGuard) Device() uint32 {
	return guard.buffer.dev
}

func (guard *BufferGuard) BlockNumber() uint32 {
	return guard.buffer.blockNumber
}

// Valid reports whether Data reflects the block's on-disk contents.
func (guard *BufferGuard) Valid() bool {
	return guard.active && guard.buffer.valid
}

// Done releases the buffer back to the cache.
// A guard becomes inactive and cannot be reused if this function returns true.
func (guard *BufferGuard) Done() bool {

	if !guard.active {
		return false
	}

	guard.cache.Release(guard)
	return true
}
