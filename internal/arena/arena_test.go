package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocUntilExhausted(t *testing.T) {
	a := New[int](3)
	seen := make(map[int]bool)
	for range 3 {
		i, err := a.Alloc()
		require.NoError(t, err)
		require.False(t, seen[i], "slot %d handed out twice", i)
		seen[i] = true
	}
	assert.Equal(t, 3, a.Len())

	i, err := a.Alloc()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, -1, i)

	a.Free(1)
	assert.Equal(t, 2, a.Len())
	i, err = a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 1, i)
}

func TestArena_DoubleFreePanics(t *testing.T) {
	a := New[struct{}](2)
	i, err := a.Alloc()
	require.NoError(t, err)
	a.Free(i)
	assert.Panics(t, func() { a.Free(i) })
	assert.Panics(t, func() { a.Free(5) })
}

func TestArena_GetIsStable(t *testing.T) {
	a := New[string](4)
	i, err := a.Alloc()
	require.NoError(t, err)
	p := a.Get(i)
	*p = "x"
	assert.Same(t, p, a.Get(i))
	assert.Equal(t, "x", *a.Get(i))
	assert.True(t, a.Allocated(i))
	a.Free(i)
	assert.False(t, a.Allocated(i))
}

func TestNew_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestBitmap_NonWordAligned(t *testing.T) {
	b := NewBitmap(70)
	for i := range 70 {
		got, ok := b.Claim()
		require.True(t, ok)
		require.Equal(t, i, got)
	}
	_, ok := b.Claim()
	assert.False(t, ok)
	assert.Equal(t, 70, b.Len())
	assert.Equal(t, 70, b.Cap())

	assert.True(t, b.Release(65))
	assert.False(t, b.Release(65))
	assert.False(t, b.Release(-1))
	assert.False(t, b.Release(70))
	got, ok := b.Claim()
	require.True(t, ok)
	assert.Equal(t, 65, got)
}

func TestBitmap_Concurrent(t *testing.T) {
	const n = 256
	b := NewBitmap(n)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n / 8 {
				i, ok := b.Claim()
				if !ok {
					t.Error("unexpected exhaustion")
					return
				}
				mu.Lock()
				seen[i]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
	for i, c := range seen {
		assert.Equal(t, 1, c, "slot %d", i)
	}
}
