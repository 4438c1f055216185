package pager

import "errors"

// Error kinds surfaced by the pager. Callers classify with errors.Is.
var (
	// ErrBadPage is returned by fetch on an invalid or unallocated page index.
	ErrBadPage = errors.New("pager: bad page")

	// ErrOutOfStorage is returned by allocate when the backing store cannot grow.
	ErrOutOfStorage = errors.New("pager: out of storage")

	// ErrCorruption is returned when a page's checksum does not match what was
	// recorded at the last flush.
	ErrCorruption = errors.New("pager: corruption detected")
)
