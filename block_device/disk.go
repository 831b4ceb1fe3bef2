package block_device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const DEFAULT_BLOCK_SIZE = 1024

var (
	ErrNoSuchDevice    = errors.New("no such device")
	ErrDeviceBusy      = errors.New("device number already mounted")
	ErrDeviceClosed    = errors.New("device closed")
	ErrBlockOutOfRange = errors.New("block number out of range")
	ErrShortTransfer   = errors.New("incomplete transfer")
	ErrBadBlockSize    = errors.New("buffer length does not match block size")
)

// Disk transfers whole fixed-size blocks between memory and a backing store.
// Implementations are safe for concurrent use; transfers to the same block are
// serialized by the buffer cache above them.
type Disk interface {

	// ReadBlock fills data with the contents of the block.
	ReadBlock(blockNumber uint32, data []byte) error

	// WriteBlock stores data as the new contents of the block.
	WriteBlock(blockNumber uint32, data []byte) error

	// BlockSize returns the transfer unit in bytes.
	BlockSize() int

	// Blocks returns the number of addressable blocks.
	Blocks() uint32

	Close() error
}

// checkTransfer validates a transfer request against a disk's geometry.
func checkTransfer(blockNumber uint32, blocks uint32, data []byte, blockSize int) error {

	if blockNumber >= blocks {
		return fmt.Errorf("block %d of %d: %w", blockNumber, blocks, ErrBlockOutOfRange)
	}
	if len(data) != blockSize {
		return fmt.Errorf("got %d bytes, want %d: %w", len(data), blockSize, ErrBadBlockSize)
	}
	return nil
}

// Table routes transfers to the disk mounted under each device number.
// It satisfies the buffer cache's driver interface.
type Table struct {
	mutex *sync.RWMutex
	disks map[uint32]Disk

	logger *slog.Logger
}

func NewTable(logger *slog.Logger) *Table {

	if logger == nil {
		logger = slog.Default()
	}

	return &Table{
		mutex:  &sync.RWMutex{},
		disks:  make(map[uint32]Disk),
		logger: logger,
	}
}

// Mount associates a disk with a device number.
func (table *Table) Mount(dev uint32, disk Disk) error {

	table.mutex.Lock()
	defer table.mutex.Unlock()

	if _, exists := table.disks[dev]; exists {
		return fmt.Errorf("device %d: %w", dev, ErrDeviceBusy)
	}

	table.disks[dev] = disk

	table.logger.Info("mounted device", "dev", dev, "blocks", disk.Blocks(), "blockSize", disk.BlockSize(), "function", "Mount", "at", "Table")
	return nil
}

// Unmount removes the association and hands the disk back to the caller, who owns closing it.
func (table *Table) Unmount(dev uint32) (Disk, error) {

	table.mutex.Lock()
	defer table.mutex.Unlock()

	disk, exists := table.disks[dev]

	if !exists {
		return nil, fmt.Errorf("device %d: %w", dev, ErrNoSuchDevice)
	}

	delete(table.disks, dev)

	table.logger.Info("unmounted device", "dev", dev, "function", "Unmount", "at", "Table")
	return disk, nil
}

// Lookup returns the disk mounted under dev.
func (table *Table) Lookup(dev uint32) (Disk, error) {

	table.mutex.RLock()
	defer table.mutex.RUnlock()

	disk, exists := table.disks[dev]
	if !exists {
		return nil, fmt.Errorf("device %d: %w", dev, ErrNoSuchDevice)
	}
	return disk, nil
}

// Transfer reads or writes exactly one block of device dev. It blocks until the
// transfer completes.
func (table *Table) Transfer(dev uint32, blockNumber uint32, data []byte, write bool) error {

	disk, err := table.Lookup(dev)

	if err != nil {
		return err
	}

	if write {
		err = disk.WriteBlock(blockNumber, data)
	} else {
		err = disk.ReadBlock(blockNumber, data)
	}

	if err != nil {
		table.logger.Error("block transfer failed", "dev", dev, "blockNumber", blockNumber, "write", write, "error", err.Error(), "function", "Transfer", "at", "Table")
		return fmt.Errorf("device %d block %d: %w", dev, blockNumber, err)
	}
	return nil
}

// Close closes every mounted disk and empties the table.
func (table *Table) Close() error {

	table.mutex.Lock()
	defer table.mutex.Unlock()

	var errs []error

	for dev, disk := range table.disks {
		if err := disk.Close(); err != nil {
			table.logger.Error("failed to close device", "dev", dev, "error", err.Error(), "function", "Close", "at", "Table")
			errs = append(errs, fmt.Errorf("device %d: %w", dev, err))
		}
		delete(table.disks, dev)
	}

	return errors.Join(errs...)
}
