package page_allocator

import (
	"fmt"
	"log/slog"
)

const (
	DEFAULT_PAGE_SIZE    = 4096
	DEFAULT_BASE         = PhysAddr(0x80000000)
	DEFAULT_KERNEL_PAGES = 16
	DEFAULT_PAGES        = 128
)

// PhysAddr is a physical address inside the simulated memory region.
type PhysAddr uint64

// Config describes physical memory. Frames in [Base, KernelEnd) belong to the
// kernel image and are never handed out; frames from KernelEnd, rounded up to
// a page, until PhysTop are managed by the allocator.
type Config struct {
	Base      PhysAddr
	KernelEnd PhysAddr
	PhysTop   PhysAddr
	PageSize  int
}

func DefaultConfig() Config {

	kernelEnd := DEFAULT_BASE + DEFAULT_KERNEL_PAGES*DEFAULT_PAGE_SIZE

	return Config{
		Base:      DEFAULT_BASE,
		KernelEnd: kernelEnd,
		PhysTop:   kernelEnd + DEFAULT_PAGES*DEFAULT_PAGE_SIZE,
		PageSize:  DEFAULT_PAGE_SIZE,
	}
}

func (config Config) pageRoundUp(pa PhysAddr) PhysAddr {
	size := PhysAddr(config.PageSize)
	return (pa + size - 1) &^ (size - 1)
}

func (config Config) pageRoundDown(pa PhysAddr) PhysAddr {
	return pa &^ (PhysAddr(config.PageSize) - 1)
}

func (config Config) validate() error {

	if config.PageSize <= 0 || config.PageSize&(config.PageSize-1) != 0 {
		return fmt.Errorf("page size must be a power of two, got %d", config.PageSize)
	}
	if config.Base%PhysAddr(config.PageSize) != 0 {
		return fmt.Errorf("base address %#x is not page aligned", config.Base)
	}
	if config.KernelEnd < config.Base {
		return fmt.Errorf("kernel end %#x lies below base %#x", config.KernelEnd, config.Base)
	}
	if config.pageRoundUp(config.KernelEnd)+PhysAddr(config.PageSize) > config.PhysTop {
		return fmt.Errorf("no whole page between kernel end %#x and top %#x", config.KernelEnd, config.PhysTop)
	}
	return nil
}

type Option func(allocator *Allocator)

func WithLogger(logger *slog.Logger) Option {
	return func(allocator *Allocator) {
		allocator.logger = logger
	}
}
