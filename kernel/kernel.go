// Package kernel boots the memory-management core: it mounts the boot disk,
// builds the buffer cache on top of the device table and initializes the
// physical page allocator that address spaces draw their pages from.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Adarsh-Kmt/kmem/block_device"
	"github.com/Adarsh-Kmt/kmem/buffer_cache"
	"github.com/Adarsh-Kmt/kmem/fatal"
	"github.com/Adarsh-Kmt/kmem/page_allocator"
)

var ErrNoSuchProcess = errors.New("no such process")

type Kernel struct {
	config Config
	logger *slog.Logger

	devices *block_device.Table
	cache   *buffer_cache.BufferCache
	memory  *page_allocator.Allocator

	currPid uint64

	processesMutex *sync.Mutex
	processes      map[uint64]*AddressSpace
}

// Boot applies opts to DefaultConfig and brings up devices, cache and allocator in that order.
func Boot(opts ...Option) (*Kernel, error) {

	config := DefaultConfig()

	for _, opt := range opts {
		opt(&config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(config.LogLevel, config.LogJSON)
	fatal.SetLogger(logger)

	disk, err := openDisk(config, logger)
	if err != nil {
		return nil, err
	}

	devices := block_device.NewTable(logger)

	if err := devices.Mount(ROOT_DEV, disk); err != nil {
		disk.Close()
		return nil, err
	}

	cache, err := buffer_cache.NewBufferCache(config.Cache, devices, buffer_cache.WithLogger(logger))
	if err != nil {
		devices.Close()
		return nil, err
	}

	memory, err := page_allocator.NewAllocator(config.Memory, page_allocator.WithLogger(logger))
	if err != nil {
		devices.Close()
		return nil, err
	}

	logger.Info("kernel booted", "device", config.Device, "blocks", config.DiskBlocks, "pages", memory.Pages(), "function", "Boot", "at", "Kernel")

	return &Kernel{
		config:         config,
		logger:         logger,
		devices:        devices,
		cache:          cache,
		memory:         memory,
		processesMutex: &sync.Mutex{},
		processes:      make(map[uint64]*AddressSpace),
	}, nil
}

func openDisk(config Config, logger *slog.Logger) (block_device.Disk, error) {

	var (
		disk block_device.Disk
		err  error
	)

	switch config.Device {
	case DEVICE_MEMORY:
		disk = block_device.NewMemoryDisk(config.DiskBlocks, config.Cache.BlockSize)
	case DEVICE_FILE:
		disk, err = block_device.NewFileDisk(config.ImagePath, config.DiskBlocks, config.Cache.BlockSize, logger)
	case DEVICE_DIRECT:
		disk, err = block_device.NewDirectIODisk(config.ImagePath, config.DiskBlocks, config.Cache.BlockSize, logger)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open %s disk: %w", config.Device, err)
	}

	if config.Throttle > 0 {
		disk = block_device.NewThrottledDisk(disk, config.Throttle)
	}
	return disk, nil
}

func (kernel *Kernel) Cache() *buffer_cache.BufferCache {
	return kernel.cache
}

func (kernel *Kernel) Memory() *page_allocator.Allocator {
	return kernel.memory
}

func (kernel *Kernel) Devices() *block_device.Table {
	return kernel.devices
}

func (kernel *Kernel) Config() Config {
	return kernel.config
}

// Spawn creates a process with an empty address space.
func (kernel *Kernel) Spawn() *AddressSpace {

	space := newAddressSpace(atomic.AddUint64(&kernel.currPid, 1), kernel.memory)

	kernel.processesMutex.Lock()
	kernel.processes[space.pid] = space
	kernel.processesMutex.Unlock()

	return space
}

// Process returns the address space of a live process.
func (kernel *Kernel) Process(pid uint64) (*AddressSpace, error) {

	kernel.processesMutex.Lock()
	defer kernel.processesMutex.Unlock()

	space, exists := kernel.processes[pid]

	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	return space, nil
}

// Fork creates a child of pid whose address space shares every page with its parent.
func (kernel *Kernel) Fork(pid uint64) (*AddressSpace, error) {

	parent, err := kernel.Process(pid)
	if err != nil {
		return nil, err
	}

	child := parent.fork(atomic.AddUint64(&kernel.currPid, 1))

	kernel.processesMutex.Lock()
	kernel.processes[child.pid] = child
	kernel.processesMutex.Unlock()

	kernel.logger.Debug("forked process", "parent", pid, "child", child.pid, "pages", child.Mapped(), "function", "Fork", "at", "Kernel")

	return child, nil
}

// Exit tears down the address space of pid, dropping its share of every page.
func (kernel *Kernel) Exit(pid uint64) error {

	kernel.processesMutex.Lock()

	space, exists := kernel.processes[pid]

	if !exists {
		kernel.processesMutex.Unlock()
		return fmt.Errorf("%w: %d", ErrNoSuchProcess, pid)
	}
	delete(kernel.processes, pid)

	kernel.processesMutex.Unlock()

	space.exit()
	return nil
}

// Processes lists the pids of live processes in ascending order.
func (kernel *Kernel) Processes() []uint64 {

	kernel.processesMutex.Lock()
	defer kernel.processesMutex.Unlock()

	pids := make([]uint64, 0, len(kernel.processes))
	for pid := range kernel.processes {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	return pids
}

// Close exits every process, releases physical memory and closes all mounted disks.
func (kernel *Kernel) Close() error {

	for _, pid := range kernel.Processes() {
		kernel.Exit(pid)
	}

	return errors.Join(kernel.memory.Close(), kernel.devices.Close())
}
