//go:build !unix

package page_allocator

import (
	"github.com/ncw/directio"
)

// region is the simulated physical memory. Without mmap it is a heap block,
// aligned the same way direct I/O buffers are.
type region struct {
	data []byte
}

func mapRegion(size int) (*region, error) {
	return &region{data: directio.AlignedBlock(size)}, nil
}

func (r *region) unmap() error {
	r.data = nil
	return nil
}
