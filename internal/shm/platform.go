// Package shm contains platform-specific helpers for the shared memory segment:
// mapping named regions, futex based synchronization words that live inside a
// mapping, and host checks (free space, process liveness).
package shm

import (
	"errors"
	"os"
)

var (
	// ErrUnsupported is returned on platforms without mmap/futex support.
	ErrUnsupported = errors.New("shared memory not supported on this platform")

	// ErrNotSized is returned when opening a region whose length is still
	// below MapOptions.MinSize, typically because its creator has not
	// truncated it yet.
	ErrNotSized = errors.New("shared memory region not sized yet")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Data []byte
	Path string
	Fd   int
	// Created is set when this mapping created the object.
	Created bool
}

// Size returns the mapped length.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Data)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Path string
	// Size is the length the region is truncated to when Create is set.
	// Ignored when opening, where the current length is mapped.
	Size int
	// MinSize is the smallest acceptable length when opening an existing
	// region. Shorter regions yield ErrNotSized.
	MinSize int
	Create  bool
	Perm    os.FileMode

	// Claim, when set with Create, runs before the object is resized. On an
	// existing object of at least MinSize bytes it sees a mapping of the
	// current contents, otherwise the freshly sized mapping. An error aborts
	// the call and leaves an existing object untouched.
	Claim func(region *MappedRegion) error
	// Unclaim undoes a successful Claim when a later step fails. It gets the
	// mapping Claim saw.
	Unclaim func(region *MappedRegion)
}

func (o MapOptions) perm() os.FileMode {
	if o.Perm == 0 {
		return 0o600
	}
	return o.Perm
}
