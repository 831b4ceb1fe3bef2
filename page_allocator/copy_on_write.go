package page_allocator

// CopyOnWrite resolves a write by one owner of the page at pa. It returns the
// page the caller may write to: pa itself when the caller is its only owner,
// otherwise a fresh page holding a copy of pa, in which case the caller's
// reference to pa is dropped.
//
// If no page is free the error is ErrNoMemory and the caller keeps its reference to pa.
func (allocator *Allocator) CopyOnWrite(pa PhysAddr) (PhysAddr, error) {

	// only the caller could add owners to a page it owns alone.
	if allocator.RefCount(pa) == 1 {
		return pa, nil
	}

	fresh, err := allocator.Alloc()
	if err != nil {
		return 0, err
	}

	copy(allocator.Page(fresh), allocator.Page(pa))

	if allocator.ReleaseOrCopy(pa) {
		// the other owners let go while we were copying.
		allocator.Free(fresh)
		return pa, nil
	}

	allocator.logger.Debug("copied shared page", "from", pa, "to", fresh, "function", "CopyOnWrite", "at", "Allocator")

	return fresh, nil
}
