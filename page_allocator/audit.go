package page_allocator

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

var ErrInconsistent = errors.New("allocator state is inconsistent")

// Audit walks the free list and the reference count table and checks that a
// managed page is on the free list exactly when its count is zero.
// A page being freed concurrently is briefly neither, so audit a quiescent allocator.
func (allocator *Allocator) Audit() error {

	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	free := roaring.New()

	for frame := allocator.freeList; frame != noFrame; frame = allocator.next[frame] {

		if frame < allocator.start || frame >= allocator.end {
			return fmt.Errorf("%w: free list links unmanaged frame %d", ErrInconsistent, frame)
		}
		if !free.CheckedAdd(uint32(frame)) {
			return fmt.Errorf("%w: page %#x is linked into the free list twice", ErrInconsistent, allocator.addrOf(frame))
		}
		if count := allocator.refCounts[frame]; count != 0 {
			return fmt.Errorf("%w: free page %#x has reference count %d", ErrInconsistent, allocator.addrOf(frame), count)
		}
	}

	if length := int(free.GetCardinality()); length != allocator.freePages {
		return fmt.Errorf("%w: free list holds %d pages, expected %d", ErrInconsistent, length, allocator.freePages)
	}

	for frame := allocator.start; frame < allocator.end; frame++ {

		count := allocator.refCounts[frame]

		if count < 0 {
			return fmt.Errorf("%w: page %#x has negative reference count %d", ErrInconsistent, allocator.addrOf(frame), count)
		}
		if count == 0 && !free.Contains(uint32(frame)) {
			return fmt.Errorf("%w: page %#x is unowned but not on the free list", ErrInconsistent, allocator.addrOf(frame))
		}
	}

	return nil
}
