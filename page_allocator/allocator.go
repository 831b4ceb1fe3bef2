// Package page_allocator hands out whole pages of physical memory, for user
// processes, kernel stacks, page-table pages and pipe buffers.
//
// Every frame carries a reference count, so a page can be shared by several
// address spaces and is only returned to the free list when its last owner frees it.
package page_allocator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adarsh-Kmt/kmem/fatal"
)

const (
	// ALLOC_FILL and FREE_FILL overwrite pages handed out and given back, so
	// stale references read junk instead of plausible data.
	ALLOC_FILL = 5
	FREE_FILL  = 1

	noFrame = -1
)

var ErrNoMemory = errors.New("out of physical memory")

type Allocator struct {
	config Config

	// managed frames are [start, end) in frame numbers relative to Base.
	start int32
	end   int32

	mutex     *sync.Mutex
	refCounts []int32
	next      []int32
	freeList  int32
	freePages int

	memory *region
	logger *slog.Logger
}

// NewAllocator maps physical memory and puts every managed page on the free list.
func NewAllocator(config Config, opts ...Option) (*Allocator, error) {

	if err := config.validate(); err != nil {
		return nil, err
	}

	frames := int((config.pageRoundDown(config.PhysTop) - config.Base) / PhysAddr(config.PageSize))

	memory, err := mapRegion(frames * config.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d pages of physical memory: %w", frames, err)
	}

	allocator := &Allocator{
		config:    config,
		start:     int32((config.pageRoundUp(config.KernelEnd) - config.Base) / PhysAddr(config.PageSize)),
		end:       int32(frames),
		mutex:     &sync.Mutex{},
		refCounts: make([]int32, frames),
		next:      make([]int32, frames),
		freeList:  noFrame,
		memory:    memory,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(allocator)
	}

	// every count starts at 1, so freeing the range drops each frame to 0 exactly once.
	allocator.mutex.Lock()
	for frame := range allocator.refCounts {
		allocator.refCounts[frame] = 1
		allocator.next[frame] = noFrame
	}
	allocator.mutex.Unlock()

	for frame := allocator.start; frame < allocator.end; frame++ {
		allocator.Free(allocator.addrOf(frame))
	}

	allocator.logger.Info("initialized page allocator", "start", fmt.Sprintf("%#x", allocator.addrOf(allocator.start)), "top", fmt.Sprintf("%#x", allocator.addrOf(allocator.end)), "pages", allocator.freePages, "function", "NewAllocator", "at", "Allocator")

	return allocator, nil
}

func (allocator *Allocator) addrOf(frame int32) PhysAddr {
	return allocator.config.Base + PhysAddr(frame)*PhysAddr(allocator.config.PageSize)
}

// frameOf translates a managed, page aligned address into its frame number.
// Anything else is a caller bug reported under op.
func (allocator *Allocator) frameOf(op string, pa PhysAddr) int32 {

	if pa%PhysAddr(allocator.config.PageSize) != 0 {
		fatal.Abort(op, "misaligned address %#x", pa)
	}
	if pa < allocator.addrOf(allocator.start) || pa >= allocator.addrOf(allocator.end) {
		fatal.Abort(op, "address %#x outside managed memory", pa)
	}
	return int32((pa - allocator.config.Base) / PhysAddr(allocator.config.PageSize))
}

func (allocator *Allocator) page(frame int32) []byte {
	offset := int(frame) * allocator.config.PageSize
	return allocator.memory.data[offset : offset+allocator.config.PageSize : offset+allocator.config.PageSize]
}

func fill(page []byte, value byte) {
	for i := range page {
		page[i] = value
	}
}

// Alloc allocates one page and returns its address with a reference count of 1.
// An empty free list is reported as ErrNoMemory.
func (allocator *Allocator) Alloc() (PhysAddr, error) {

	allocator.mutex.Lock()

	frame := allocator.freeList

	if frame == noFrame {
		allocator.mutex.Unlock()
		allocator.logger.Debug("free list empty", "function", "Alloc", "at", "Allocator")
		return 0, ErrNoMemory
	}

	allocator.freeList = allocator.next[frame]
	allocator.next[frame] = noFrame
	allocator.refCounts[frame] = 1
	allocator.freePages--

	allocator.mutex.Unlock()

	fill(allocator.page(frame), ALLOC_FILL)

	return allocator.addrOf(frame), nil
}

// Free drops one reference to the page at pa. The page goes back on the free
// list once no owner is left.
func (allocator *Allocator) Free(pa PhysAddr) {

	frame := allocator.frameOf("kfree", pa)

	allocator.mutex.Lock()

	if allocator.refCounts[frame] <= 0 {
		allocator.mutex.Unlock()
		fatal.Abort("kfree", "double free of %#x", pa)
	}

	allocator.refCounts[frame]--
	remaining := allocator.refCounts[frame]

	allocator.mutex.Unlock()

	if remaining > 0 {
		return
	}

	fill(allocator.page(frame), FREE_FILL)

	allocator.mutex.Lock()
	allocator.next[frame] = allocator.freeList
	allocator.freeList = frame
	allocator.freePages++
	allocator.mutex.Unlock()
}

// AddRef records another owner of an allocated page.
func (allocator *Allocator) AddRef(pa PhysAddr) {

	frame := allocator.frameOf("kaddref", pa)

	allocator.mutex.Lock()

	if allocator.refCounts[frame] <= 0 {
		allocator.mutex.Unlock()
		fatal.Abort("kaddref", "page %#x is not allocated", pa)
	}

	allocator.refCounts[frame]++
	allocator.mutex.Unlock()
}

func (allocator *Allocator) RefCount(pa PhysAddr) int {

	frame := allocator.frameOf("kref", pa)

	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	return int(allocator.refCounts[frame])
}

// ReleaseOrCopy is called by an owner about to write to pa. It returns true if
// the caller is the only owner and may write in place. Otherwise the caller's
// reference is dropped and false is returned: the caller must write to a copy.
func (allocator *Allocator) ReleaseOrCopy(pa PhysAddr) bool {

	frame := allocator.frameOf("kcow", pa)

	allocator.mutex.Lock()

	switch count := allocator.refCounts[frame]; {
	case count <= 0:
		allocator.mutex.Unlock()
		fatal.Abort("kcow", "page %#x is not allocated", pa)
	case count == 1:
		allocator.mutex.Unlock()
		return true
	}

	allocator.refCounts[frame]--
	allocator.mutex.Unlock()
	return false
}

// Page returns the memory of the page at pa.
func (allocator *Allocator) Page(pa PhysAddr) []byte {
	return allocator.page(allocator.frameOf("kpage", pa))
}

// FreePages returns the length of the free list.
func (allocator *Allocator) FreePages() int {

	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	return allocator.freePages
}

// Pages returns the number of managed pages.
func (allocator *Allocator) Pages() int {
	return int(allocator.end - allocator.start)
}

func (allocator *Allocator) PageSize() int {
	return allocator.config.PageSize
}

// Close unmaps physical memory. The allocator must not be used afterwards.
func (allocator *Allocator) Close() error {

	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	if err := allocator.memory.unmap(); err != nil {
		allocator.logger.Error("failed to unmap physical memory", "error", err.Error(), "function", "Close", "at", "Allocator")
		return err
	}
	return nil
}
