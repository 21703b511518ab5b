package arena

import (
	"math/bits"
	"sync"
)

// Bitmap tracks slot occupancy, one bit per slot. It is safe for concurrent
// use.
type Bitmap struct {
	mu    sync.Mutex
	words []uint64
	size  int
	used  int
	// hint is the word index the next search starts from
	hint int
}

// NewBitmap returns a Bitmap with size bits, all clear.
func NewBitmap(size int) *Bitmap {
	if size < 0 {
		panic(`arena: negative bitmap size`)
	}
	return &Bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// Claim sets the lowest clear bit at or after the search hint, wrapping
// around, and returns its index.
func (x *Bitmap) Claim() (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.used == x.size {
		return 0, false
	}

	n := len(x.words)
	for i := 0; i < n; i++ {
		w := (x.hint + i) % n
		free := ^x.words[w]
		if w == n-1 && x.size%64 != 0 {
			// mask off bits past the end
			free &= (uint64(1) << uint(x.size%64)) - 1
		}
		if free == 0 {
			continue
		}
		b := bits.TrailingZeros64(free)
		x.words[w] |= uint64(1) << uint(b)
		x.used++
		x.hint = w
		return w*64 + b, true
	}

	// unreachable while used < size
	return 0, false
}

// Release clears bit i, returning false if it was already clear.
func (x *Bitmap) Release(i int) bool {
	if i < 0 || i >= x.size {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	w, mask := i/64, uint64(1)<<uint(i%64)
	if x.words[w]&mask == 0 {
		return false
	}
	x.words[w] &^= mask
	x.used--
	if w < x.hint {
		x.hint = w
	}
	return true
}

// Test reports whether bit i is set.
func (x *Bitmap) Test(i int) bool {
	if i < 0 || i >= x.size {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.words[i/64]&(uint64(1)<<uint(i%64)) != 0
}

// Len returns the number of set bits.
func (x *Bitmap) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.used
}

// Cap returns the number of bits.
func (x *Bitmap) Cap() int { return x.size }
