package bfd_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ivoronin/gobfdd/internal/bfd"
)

// TestNewDiscriminatorAllocator verifies that a newly created allocator has
// no allocated discriminators.
func TestNewDiscriminatorAllocator(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	if alloc.IsAllocated(1) {
		t.Error("fresh allocator reports discriminator 1 as allocated")
	}
	if alloc.IsAllocated(0) {
		t.Error("fresh allocator reports discriminator 0 as allocated")
	}
	if alloc.IsAllocated(0xFFFFFFFF) {
		t.Error("fresh allocator reports discriminator 0xFFFFFFFF as allocated")
	}
}

// TestDiscriminatorAllocateNonZero verifies that Allocate never returns zero.
// RFC 5880 Section 6.8.1: bfd.LocalDiscr MUST be nonzero.
// RFC 5880 Section 6.8.6 step 7b: zero means "not yet known".
func TestDiscriminatorAllocateNonZero(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	for i := range 1000 {
		discr, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if discr == 0 {
			t.Fatalf("allocation %d: got zero discriminator, want nonzero", i)
		}
	}
}

// TestDiscriminatorAllocateSequential verifies that the allocator produces a
// dense, monotonically increasing sequence starting at 1, skipping only the
// reserved zero value.
func TestDiscriminatorAllocateSequential(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	for want := uint32(1); want <= 1000; want++ {
		discr, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", want, err)
		}
		if discr != want {
			t.Fatalf("allocation %d: got 0x%08X, want 0x%08X", want, discr, want)
		}
	}
}

// TestDiscriminatorAllocateUnique verifies that 1000 consecutive allocations
// produce entirely unique values.
// RFC 5880 Section 6.8.1: bfd.LocalDiscr MUST be unique across all BFD
// sessions on this system.
func TestDiscriminatorAllocateUnique(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()
	seen := make(map[uint32]struct{}, 1000)

	for i := range 1000 {
		discr, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}

		if _, exists := seen[discr]; exists {
			t.Fatalf("allocation %d: duplicate discriminator 0x%08X", i, discr)
		}

		seen[discr] = struct{}{}
	}

	if len(seen) != 1000 {
		t.Errorf("expected 1000 unique discriminators, got %d", len(seen))
	}
}

// TestDiscriminatorRelease verifies that releasing a discriminator removes it
// from the allocated set and allows future allocations to potentially reuse
// the value space.
func TestDiscriminatorRelease(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	discr, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: unexpected error: %v", err)
	}

	if !alloc.IsAllocated(discr) {
		t.Errorf("discriminator 0x%08X not allocated after Allocate()", discr)
	}

	alloc.Release(discr)

	if alloc.IsAllocated(discr) {
		t.Errorf("discriminator 0x%08X still allocated after Release()", discr)
	}

	alloc.Release(discr)
	alloc.Release(0xDEADBEEF)
}

// TestDiscriminatorReuseAfterRelease verifies that a release is reflected by
// IsAllocated at once and that a following allocation succeeds; reuse after
// a full counter wraparound is not exercised.
func TestDiscriminatorReuseAfterRelease(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	first, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: unexpected error: %v", err)
	}

	alloc.Release(first)

	// Allocate enough values to advance the counter past `first` again is
	// impractical at 32 bits; instead verify IsAllocated reflects the
	// release immediately and a fresh allocation does not collide with any
	// currently-held discriminator.
	second, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: unexpected error: %v", err)
	}
	if alloc.IsAllocated(first) {
		t.Errorf("released discriminator 0x%08X still marked allocated", first)
	}
	if !alloc.IsAllocated(second) {
		t.Errorf("discriminator 0x%08X not allocated after Allocate()", second)
	}
}

// TestDiscriminatorIsAllocated verifies the IsAllocated method tracks
// allocation state correctly through allocate and release cycles.
func TestDiscriminatorIsAllocated(t *testing.T) {
	t.Parallel()

	alloc := bfd.NewDiscriminatorAllocator()

	discriminators := make([]uint32, 5)
	for i := range discriminators {
		discr, err := alloc.Allocate()
		if err != nil {
			t.Fatalf("allocate %d: unexpected error: %v", i, err)
		}
		discriminators[i] = discr
	}

	for i, discr := range discriminators {
		if !alloc.IsAllocated(discr) {
			t.Errorf("discriminator %d (0x%08X): expected allocated", i, discr)
		}
	}

	alloc.Release(discriminators[2])

	for i, discr := range discriminators {
		allocated := alloc.IsAllocated(discr)
		if i == 2 {
			if allocated {
				t.Errorf("discriminator %d (0x%08X): expected not allocated after release", i, discr)
			}
		} else {
			if !allocated {
				t.Errorf("discriminator %d (0x%08X): expected allocated", i, discr)
			}
		}
	}
}

// TestDiscriminatorAllocateReturnsError verifies that the Allocate method
// returns a properly wrapped ErrDiscriminatorExhausted error. We cannot
// practically exhaust the 32-bit space, so we test the error sentinel
// directly.
func TestDiscriminatorAllocateReturnsError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("allocate discriminator: %w", bfd.ErrDiscriminatorExhausted)
	if !errors.Is(err, bfd.ErrDiscriminatorExhausted) {
		t.Error("wrapped ErrDiscriminatorExhausted not detected by errors.Is")
	}
}
