// Package arena implements a fixed-capacity slot allocator. Slots are
// preallocated at construction, and occupancy is tracked by a Bitmap, so
// allocation never touches the heap.
package arena

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Arena.Alloc when every slot is occupied.
var ErrExhausted = errors.New("arena: exhausted")

// Arena is a fixed array of T with a free-slot bitmap.
//
// Slot contents are owned by the caller: Alloc does not zero the slot, and
// Free does not touch it.
type Arena[T any] struct {
	slots []T
	bits  *Bitmap
}

// New returns an Arena with capacity slots.
func New[T any](capacity int) *Arena[T] {
	if capacity <= 0 {
		panic(fmt.Errorf(`arena: invalid capacity: %d`, capacity))
	}
	return &Arena[T]{
		slots: make([]T, capacity),
		bits:  NewBitmap(capacity),
	}
}

// Alloc claims a free slot.
func (x *Arena[T]) Alloc() (int, error) {
	i, ok := x.bits.Claim()
	if !ok {
		return -1, ErrExhausted
	}
	return i, nil
}

// Free releases slot i. Freeing a slot that is not allocated is a programming
// error, and panics.
func (x *Arena[T]) Free(i int) {
	if !x.bits.Release(i) {
		panic(fmt.Errorf(`arena: double free of slot %d`, i))
	}
}

// Get returns a pointer to slot i, which is valid for the life of the arena.
func (x *Arena[T]) Get(i int) *T { return &x.slots[i] }

// Allocated reports whether slot i is currently allocated.
func (x *Arena[T]) Allocated(i int) bool { return x.bits.Test(i) }

// Cap returns the number of slots.
func (x *Arena[T]) Cap() int { return len(x.slots) }

// Len returns the number of allocated slots.
func (x *Arena[T]) Len() int { return x.bits.Len() }
