//go:build unix

package page_allocator

import (
	"golang.org/x/sys/unix"
)

// region is the simulated physical memory: one anonymous private mapping,
// page aligned and outside the Go heap.
type region struct {
	data []byte
}

func mapRegion(size int) (*region, error) {

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &region{data: data}, nil
}

func (r *region) unmap() error {

	if r.data == nil {
		return nil
	}

	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
