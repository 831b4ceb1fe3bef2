package kernel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Adarsh-Kmt/kmem/page_allocator"
)

var (
	ErrNotMapped     = errors.New("page not mapped")
	ErrAlreadyMapped = errors.New("page already mapped")
)

// AddressSpace maps virtual page numbers of one process to physical pages.
// After a fork, pages are shared with the other process until either side
// stores to them.
type AddressSpace struct {
	pid    uint64
	memory *page_allocator.Allocator

	mutex *sync.Mutex
	pages map[uint64]page_allocator.PhysAddr
}

func newAddressSpace(pid uint64, memory *page_allocator.Allocator) *AddressSpace {
	return &AddressSpace{
		pid:    pid,
		memory: memory,
		mutex:  &sync.Mutex{},
		pages:  make(map[uint64]page_allocator.PhysAddr),
	}
}

func (space *AddressSpace) Pid() uint64 {
	return space.pid
}

// Map backs virtual page vpn with a fresh zeroed page.
func (space *AddressSpace) Map(vpn uint64) error {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	if _, exists := space.pages[vpn]; exists {
		return fmt.Errorf("%w: page %d of process %d", ErrAlreadyMapped, vpn, space.pid)
	}

	pa, err := space.memory.Alloc()
	if err != nil {
		return fmt.Errorf("map page %d of process %d: %w", vpn, space.pid, err)
	}

	clear(space.memory.Page(pa))
	space.pages[vpn] = pa

	return nil
}

// Unmap removes vpn and drops this process's share of its page.
func (space *AddressSpace) Unmap(vpn uint64) error {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	pa, exists := space.pages[vpn]
	if !exists {
		return fmt.Errorf("%w: page %d of process %d", ErrNotMapped, vpn, space.pid)
	}

	delete(space.pages, vpn)
	space.memory.Free(pa)

	return nil
}

// Translate returns the physical page behind vpn.
func (space *AddressSpace) Translate(vpn uint64) (page_allocator.PhysAddr, bool) {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	pa, exists := space.pages[vpn]
	return pa, exists
}

// Mapped returns the number of mapped pages.
func (space *AddressSpace) Mapped() int {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	return len(space.pages)
}

// Load copies len(data) bytes starting at virtual address va into data.
func (space *AddressSpace) Load(va uint64, data []byte) error {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	return space.walk(va, len(data), func(offset int, pa page_allocator.PhysAddr, within int, n int) error {
		copy(data[offset:offset+n], space.memory.Page(pa)[within:within+n])
		return nil
	})
}

// Store copies data to virtual address va. A page still shared with another
// process is replaced by a private copy before it is written. Copies are made
// for every touched page before any byte is stored, so a store that runs out
// of memory writes nothing. Pages it already made private stay private, with
// the same contents.
func (space *AddressSpace) Store(va uint64, data []byte) error {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	pageSize := uint64(space.memory.PageSize())

	err := space.walk(va, len(data), func(offset int, pa page_allocator.PhysAddr, within int, n int) error {

		writable, err := space.memory.CopyOnWrite(pa)
		if err != nil {
			return fmt.Errorf("store to %#x in process %d: %w", va+uint64(offset), space.pid, err)
		}
		space.pages[(va+uint64(offset))/pageSize] = writable
		return nil
	})
	if err != nil {
		return err
	}

	return space.walk(va, len(data), func(offset int, pa page_allocator.PhysAddr, within int, n int) error {
		copy(space.memory.Page(pa)[within:within+n], data[offset:offset+n])
		return nil
	})
}

// walk splits [va, va+length) at page boundaries and calls visit once per page.
// Every page is checked to be mapped before the first visit. The lock must be held.
func (space *AddressSpace) walk(va uint64, length int, visit func(offset int, pa page_allocator.PhysAddr, within int, n int) error) error {

	pageSize := uint64(space.memory.PageSize())

	for vpn := va / pageSize; length > 0 && vpn <= (va+uint64(length)-1)/pageSize; vpn++ {
		if _, exists := space.pages[vpn]; !exists {
			return fmt.Errorf("%w: page %d of process %d", ErrNotMapped, vpn, space.pid)
		}
	}

	for offset := 0; offset < length; {

		addr := va + uint64(offset)
		within := int(addr % pageSize)
		n := min(length-offset, int(pageSize)-within)

		if err := visit(offset, space.pages[addr/pageSize], within, n); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// fork returns a copy of the address space under pid, sharing every page.
func (space *AddressSpace) fork(pid uint64) *AddressSpace {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	child := newAddressSpace(pid, space.memory)

	for vpn, pa := range space.pages {
		space.memory.AddRef(pa)
		child.pages[vpn] = pa
	}
	return child
}

// exit drops every page, in ascending virtual order.
func (space *AddressSpace) exit() {

	space.mutex.Lock()
	defer space.mutex.Unlock()

	vpns := make([]uint64, 0, len(space.pages))
	for vpn := range space.pages {
		vpns = append(vpns, vpn)
	}
	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })

	for _, vpn := range vpns {
		space.memory.Free(space.pages[vpn])
		delete(space.pages, vpn)
	}
}
