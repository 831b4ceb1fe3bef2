package block_device

import (
	"sync"
	"sync/atomic"
)

// MemoryDisk is a RAM disk: a byte array standing in for the device.
// It counts transfers so callers can observe how many reached the "device".
type MemoryDisk struct {
	mutex     *sync.RWMutex
	image     []byte
	blockSize int
	blocks    uint32
	closed    bool

	reads  atomic.Int64
	writes atomic.Int64
}

func NewMemoryDisk(blocks uint32, blockSize int) *MemoryDisk {

	if blockSize <= 0 {
		blockSize = DEFAULT_BLOCK_SIZE
	}

	return &MemoryDisk{
		mutex:     &sync.RWMutex{},
		image:     make([]byte, int(blocks)*blockSize),
		blockSize: blockSize,
		blocks:    blocks,
	}
}

func (disk *MemoryDisk) ReadBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	disk.mutex.RLock()
	defer disk.mutex.RUnlock()

	if disk.closed {
		return ErrDeviceClosed
	}

	offset := int(blockNumber) * disk.blockSize
	copy(data, disk.image[offset:offset+disk.blockSize])

	disk.reads.Add(1)
	return nil
}

func (disk *MemoryDisk) WriteBlock(blockNumber uint32, data []byte) error {

	if err := checkTransfer(blockNumber, disk.blocks, data, disk.blockSize); err != nil {
		return err
	}

	disk.mutex.Lock()
	defer disk.mutex.Unlock()

	if disk.closed {
		return ErrDeviceClosed
	}

	offset := int(blockNumber) * disk.blockSize
	copy(disk.image[offset:offset+disk.blockSize], data)

	disk.writes.Add(1)
	return nil
}

func (disk *MemoryDisk) BlockSize() int { return disk.blockSize }

func (disk *MemoryDisk) Blocks() uint32 { return disk.blocks }

// Reads returns the number of completed block reads.
func (disk *MemoryDisk) Reads() int64 { return disk.reads.Load() }

// Writes returns the number of completed block writes.
func (disk *MemoryDisk) Writes() int64 { return disk.writes.Load() }

// Snapshot returns a copy of one block without counting it as a device read.
func (disk *MemoryDisk) Snapshot(blockNumber uint32) []byte {

	disk.mutex.RLock()
	defer disk.mutex.RUnlock()

	offset := int(blockNumber) * disk.blockSize
	block := make([]byte, disk.blockSize)
	copy(block, disk.image[offset:offset+disk.blockSize])
	return block
}

func (disk *MemoryDisk) Close() error {

	disk.mutex.Lock()
	defer disk.mutex.Unlock()

	disk.closed = true
	return nil
}
