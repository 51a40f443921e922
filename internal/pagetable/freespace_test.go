package pagetable

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = VirtAddr(0x100_0000_0000)

func TestFreeSpaceGrowAndReuse(t *testing.T) {
	fs := NewFreeSpace(testBase, testBase, ^VirtAddr(0))
	a, err := fs.Take(3, func() []Extent { return nil })
	require.NoError(t, err)
	assert.Equal(t, Extent{Start: testBase, Pages: 3}, a)
	b, err := fs.Take(2, func() []Extent { return []Extent{a} })
	require.NoError(t, err)
	assert.Equal(t, testBase.Add(3), b.Start)

	fs.Free(a)
	c, ok := fs.Alloc(2)
	require.True(t, ok)
	assert.Equal(t, testBase, c.Start)
	assert.False(t, c.Overlaps(b))
}

func TestFreeSpaceFreeAtBoundaryShrinks(t *testing.T) {
	fs := NewFreeSpace(testBase, testBase, ^VirtAddr(0))
	a, _ := fs.Grow(2)
	b, _ := fs.Grow(2)
	fs.Free(a)
	fs.Free(b)
	assert.Equal(t, testBase, fs.Boundary())
	assert.Empty(t, fs.Cached())
}

func TestFreeSpaceRefillFindsGaps(t *testing.T) {
	fs := NewFreeSpace(testBase, testBase.Add(20), ^VirtAddr(0))
	used := []Extent{
		{Start: testBase.Add(2), Pages: 3},
		{Start: testBase.Add(10), Pages: 1},
	}
	fs.Refill(used)
	assert.Equal(t, []Extent{
		{Start: testBase, Pages: 2},
		{Start: testBase.Add(5), Pages: 5},
		{Start: testBase.Add(11), Pages: 9},
	}, fs.Cached())
}

func TestFreeSpaceCacheBounded(t *testing.T) {
	fs := NewFreeSpace(testBase, testBase.Add(100), ^VirtAddr(0))
	var used []Extent
	for i := uint64(0); i < 50; i++ {
		used = append(used, Extent{Start: testBase.Add(2 * i), Pages: 1})
	}
	fs.Refill(used)
	assert.LessOrEqual(t, len(fs.Cached()), FreeSpaceCacheSize)
}

func TestFreeSpaceLimit(t *testing.T) {
	fs := NewFreeSpace(testBase, testBase, testBase.Add(4))
	_, err := fs.Grow(5)
	assert.ErrorIs(t, err, ErrNoSpace)
	_, err = fs.Grow(4)
	assert.NoError(t, err)
}

// Random alloc/free never hands out an extent overlapping one still held.
func TestFreeSpaceNeverOverlapsUsed(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	fs := NewFreeSpace(testBase, testBase, ^VirtAddr(0))
	held := map[VirtAddr]Extent{}
	usedFn := func() []Extent {
		out := make([]Extent, 0, len(held))
		for _, e := range held {
			out = append(out, e)
		}
		return out
	}
	for step := 0; step < 2000; step++ {
		if len(held) > 0 && rng.IntN(3) == 0 {
			for k, e := range held {
				fs.Free(e)
				delete(held, k)
				break
			}
			continue
		}
		e, err := fs.Take(uint64(1+rng.IntN(6)), usedFn)
		require.NoError(t, err)
		for _, h := range held {
			require.False(t, e.Overlaps(h), "step %d: %v overlaps %v", step, e, h)
		}
		held[e.Start] = e
	}
}
