package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhysPageBitPolarity(t *testing.T) {
	p := NewPhysPage(5)
	assert.Equal(t, uint16(0), p.Meta())

	p = p.WithClean(true)
	assert.True(t, p.Clean())
	assert.Equal(t, uint64(1), uint64(p)>>6&1, "clean=true must set bit 6")

	p = p.WithValid(true)
	assert.True(t, p.Valid())
	assert.Equal(t, uint64(1), uint64(p)>>7&1, "valid=true must set bit 7")

	p = p.WithClean(false)
	assert.False(t, p.Clean())
	assert.Equal(t, uint64(0), uint64(p)>>6&1)
	assert.True(t, p.Valid())

	for _, s := range []SpaceState{SpaceFree, SpaceReserved, SpaceUsed, SpaceDirty} {
		q := p.WithState(s)
		assert.Equal(t, s, q.State())
		assert.Equal(t, uint64(s), uint64(q)>>4&0x3)
		assert.Equal(t, uint64(5), q.PageNumber())
	}
	assert.Zero(t, uint64(p)>>8&0xF, "reserved bits stay zero")
}

func TestPhysPageRevisionSaturates(t *testing.T) {
	p := NewPhysPage(1)
	for i := 0; i < 40; i++ {
		p = p.BumpRevision()
	}
	assert.Equal(t, uint8(MaxRevision), p.Revision())

	max := p.WithRevision(MaxRevision)
	assert.Equal(t, max, max.BumpRevision())
	assert.Equal(t, uint8(MaxRevision), NewPhysPage(1).WithRevision(200).Revision())
	assert.Equal(t, uint64(1), p.PageNumber(), "revision never spills into the page number")
}

func TestPhysPageIdentity(t *testing.T) {
	a := NewPhysPage(77).WithState(SpaceUsed).WithValid(true).WithRevision(3)
	b := NewPhysPage(77).WithState(SpaceDirty)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(NewPhysPage(78)))

	m := map[uint64]PhysPage{a.Key(): a}
	_, ok := m[b.Key()]
	assert.True(t, ok)

	top := NewPhysPage(MaxPageNumber)
	assert.Equal(t, uint64(MaxPageNumber), top.PageNumber())
	assert.Equal(t, PhysFromPage(77), a.Addr())
}

func TestAddressAlignment(t *testing.T) {
	_, err := NewVirtAddr(PageSize + 1)
	assert.ErrorIs(t, err, ErrUnaligned)
	_, err = NewVirtAddr(^uint64(0))
	assert.ErrorIs(t, err, ErrUnaligned)

	v, err := NewVirtAddr(3 * PageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v.Page())
	assert.Equal(t, VirtAddr(5*PageSize), v.Add(2))

	e := Extent{Start: v, Pages: 2}
	assert.True(t, e.Overlaps(Extent{Start: v.Add(1), Pages: 4}))
	assert.False(t, e.Overlaps(Extent{Start: v.Add(2), Pages: 1}))
	assert.False(t, e.Overlaps(Extent{Start: v, Pages: 0}))
}
