package bfd

import (
	"errors"
	"fmt"
)

// ErrDiscriminatorExhausted indicates that the allocator wrapped all the way
// around the 32-bit space without finding a free value. With realistic
// session counts this should never occur.
var ErrDiscriminatorExhausted = errors.New("discriminator allocator exhausted")

// DiscriminatorAllocator generates unique, nonzero local discriminators for
// BFD sessions.
//
// RFC 5880 Section 6.8.1: bfd.LocalDiscr "MUST be unique across all BFD
// sessions on this system, and nonzero." Unlike the RFC's SHOULD-be-random
// recommendation, this daemon allocates densely and deterministically from a
// monotonic counter: the Session Store's primary index is keyed directly by
// local_disc and benefits from a dense, predictable key space for its sorted
// administrative dump, and the dispatcher loop that owns this allocator is
// single-threaded, so no collision-probing is needed beyond skipping values
// still in use.
//
// DiscriminatorAllocator is not safe for concurrent use; it is owned
// exclusively by the dispatcher goroutine, matching every other mutable
// structure in this package.
type DiscriminatorAllocator struct {
	next      uint32
	allocated map[uint32]struct{}
}

// NewDiscriminatorAllocator creates a new DiscriminatorAllocator with an
// empty allocation set. The counter starts at 1 since 0 is reserved.
func NewDiscriminatorAllocator() *DiscriminatorAllocator {
	return &DiscriminatorAllocator{
		next:      1,
		allocated: make(map[uint32]struct{}),
	}
}

// Allocate returns the next unused, nonzero discriminator.
//
// The zero value is never returned because RFC 5880 Section 6.8.6 uses zero
// as "Your Discriminator not yet known." Allocation advances a wrapping
// counter rather than drawing random values; if every value in the 32-bit
// space is already allocated, Allocate returns ErrDiscriminatorExhausted
// after one full wraparound.
func (d *DiscriminatorAllocator) Allocate() (uint32, error) {
	start := d.next

	for {
		discr := d.next

		if d.next == 0xFFFFFFFF {
			d.next = 1
		} else {
			d.next++
		}

		if discr == 0 {
			continue
		}

		if _, exists := d.allocated[discr]; !exists {
			d.allocated[discr] = struct{}{}
			return discr, nil
		}

		if d.next == start {
			return 0, fmt.Errorf("allocate discriminator: %w", ErrDiscriminatorExhausted)
		}
	}
}

// Release removes a previously allocated discriminator from the allocation
// set, making the value available for future allocations. This is called
// during session teardown to prevent discriminator leaks.
//
// Releasing a discriminator that was not allocated is a no-op.
func (d *DiscriminatorAllocator) Release(discr uint32) {
	delete(d.allocated, discr)
}

// IsAllocated reports whether a discriminator is currently allocated.
func (d *DiscriminatorAllocator) IsAllocated(discr uint32) bool {
	_, exists := d.allocated[discr]
	return exists
}
