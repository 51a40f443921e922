package pagetable

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

func testGeometry() storage.Geometry {
	return storage.Geometry{ProgramSize: 256, SectorSize: 4 * PageSize, BulkSize: 8 * PageSize, TotalSize: 32 * PageSize}
}

// copyOwner is a minimal relocator: it keeps a virt->phys map and moves page
// bytes verbatim.
type copyOwner struct {
	m       *Medium
	pages   map[VirtAddr]PhysAddr
	failAt  int
	calls   int
	restore int
}

func (o *copyOwner) Relocate(ctx context.Context, _ Owner, virt VirtAddr, src, dst PhysAddr) (uint32, error) {
	o.calls++
	if o.failAt > 0 && o.calls >= o.failAt {
		return 0, errors.New("relocate: injected")
	}
	buf, err := o.m.ReadPage(ctx, src)
	if err != nil {
		return 0, err
	}
	if err := o.m.ProgramPage(ctx, dst, buf); err != nil {
		return 0, err
	}
	o.pages[virt] = dst
	return 2, nil
}

func (o *copyOwner) Restore(_ Owner, virt VirtAddr, src, _ PhysAddr) {
	o.restore++
	o.pages[virt] = src
}

type fixture struct {
	back  storage.Backing
	m     *Medium
	t     *Table
	owner *copyOwner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := storage.NewMemoryBacking(testGeometry())
	require.NoError(t, err)
	m := NewMedium(b)
	tbl := NewTable(zaptest.NewLogger(t), m)
	require.NoError(t, tbl.Load(context.Background()))
	o := &copyOwner{m: m, pages: map[VirtAddr]PhysAddr{}}
	tbl.SetRelocator(o)
	return &fixture{back: b, m: m, t: tbl, owner: o}
}

func pageOf(fill byte) []byte { return bytes.Repeat([]byte{fill}, PageSize) }

// write programs a page for virt in a specific physical page.
func (f *fixture) writeAt(t *testing.T, i int, virt VirtAddr, fill byte) {
	t.Helper()
	p := PhysFromPage(uint64(i))
	require.Equal(t, SpaceFree, f.t.pages[i].State())
	f.t.reserveAt(i)
	require.NoError(t, f.m.ProgramPage(context.Background(), p, pageOf(fill)))
	require.NoError(t, f.t.Commit(p, 1, virt, 1))
	f.owner.pages[virt] = p
}

func TestTableLoadFresh(t *testing.T) {
	f := newFixture(t)
	st := f.t.Stats()
	assert.Equal(t, 28, st.Total)
	assert.Equal(t, 28, st.Free)
	assert.Zero(t, st.Used+st.Foreign+st.Dirty+st.Reserved)
}

func TestTableLoadSeesForeignPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.back.Program(ctx, 9*PageSize+100, []byte{0x00}))
	require.NoError(t, f.t.Load(ctx))
	assert.Equal(t, []PhysAddr{PhysFromPage(9)}, f.t.ForeignPages())

	require.NoError(t, f.t.Claim(PhysFromPage(9), 3, 0, 7))
	owner, virt := f.t.OwnerOf(PhysFromPage(9))
	assert.Equal(t, Owner(3), owner)
	assert.Equal(t, VirtAddr(0), virt)
	assert.Equal(t, 1, f.t.Release(3))
	assert.Equal(t, []PhysAddr{PhysFromPage(9)}, f.t.ForeignPages())
}

func TestTableAllocCommitRetire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.t.AllocPage(ctx)
	require.NoError(t, err)
	e, _ := f.t.Entry(p)
	assert.Equal(t, SpaceReserved, e.State())
	assert.GreaterOrEqual(t, p.Page(), uint64(4), "sector 0 is never allocated")

	require.NoError(t, f.t.Commit(p, 1, 0x1000, 20))
	e, _ = f.t.Entry(p)
	assert.Equal(t, SpaceUsed, e.State())
	assert.True(t, e.Valid())
	assert.False(t, e.Clean())
	assert.Equal(t, uint8(MaxRevision), e.Revision())

	require.NoError(t, f.t.Retire(p))
	e, _ = f.t.Entry(p)
	assert.Equal(t, SpaceDirty, e.State())
	assert.Error(t, f.t.Retire(p))
	assert.ErrorIs(t, f.t.Commit(p, 1, 0, 1), ErrBadState)
}

func TestTableEraseSafety(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// sector 2 = pages 8..11; fill all but the last
	for i := 8; i < 11; i++ {
		f.writeAt(t, i, VirtAddr(uint64(i)*PageSize), byte(i))
	}
	assert.ErrorIs(t, f.t.EraseSector(ctx, 2), ErrSectorInUse)
	assert.ErrorIs(t, f.t.EraseSector(ctx, 0), ErrSectorInUse)

	// the used pages must survive the refusal
	for i := 8; i < 11; i++ {
		got, err := f.m.ReadPage(ctx, PhysFromPage(uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, pageOf(byte(i)), got)
	}

	require.NoError(t, f.t.Compact(ctx, 2))
	for i := 8; i < 12; i++ {
		e, _ := f.t.Entry(PhysFromPage(uint64(i)))
		assert.Equal(t, SpaceFree, e.State())
		assert.True(t, e.Clean())
	}
	for i := 8; i < 11; i++ {
		virt := VirtAddr(uint64(i) * PageSize)
		dst := f.owner.pages[virt]
		assert.NotEqual(t, uint64(2), dst.Page()/4, "relocated out of the sector")
		got, err := f.m.ReadPage(ctx, dst)
		require.NoError(t, err)
		assert.Equal(t, pageOf(byte(i)), got)
		owner, v := f.t.OwnerOf(dst)
		assert.Equal(t, Owner(1), owner)
		assert.Equal(t, virt, v)
	}
	assert.Equal(t, uint64(1), f.t.Counters().Compactions)
	assert.Equal(t, uint64(3), f.t.Counters().Relocated)
}

func TestTableCompactRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 8; i < 12; i++ {
		f.writeAt(t, i, VirtAddr(uint64(i)*PageSize), byte(i))
	}
	before := map[VirtAddr]PhysAddr{}
	for k, v := range f.owner.pages {
		before[k] = v
	}
	f.owner.failAt = 3

	err := f.t.Compact(ctx, 2)
	require.Error(t, err)
	assert.Equal(t, before, f.owner.pages, "mappings restored")
	assert.Equal(t, 2, f.owner.restore)
	for i := 8; i < 12; i++ {
		e, _ := f.t.Entry(PhysFromPage(uint64(i)))
		assert.Equal(t, SpaceUsed, e.State(), "sector stays fully used")
		got, err := f.m.ReadPage(ctx, PhysFromPage(uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, pageOf(byte(i)), got, "sector was not erased")
	}
	assert.Equal(t, uint64(1), f.t.Counters().Rollbacks)
	assert.Equal(t, 0, f.t.Stats().Reserved)
}

func TestTableCompactRefusesForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.back.Program(ctx, 12*PageSize, []byte{0x12}))
	require.NoError(t, f.t.Load(ctx))
	assert.ErrorIs(t, f.t.Compact(ctx, 3), ErrSectorInUse)
	assert.ErrorIs(t, f.t.EraseSector(ctx, 3), ErrSectorInUse)
}

func TestTableReclaimWhenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	virt := VirtAddr(0)
	// keep rewriting one virtual page; every write retires the old copy
	var cur PhysAddr
	for n := 0; n < 200; n++ {
		p, err := f.t.AllocPage(ctx)
		require.NoError(t, err, "write %d", n)
		require.NoError(t, f.m.ProgramPage(ctx, p, pageOf(byte(n))))
		require.NoError(t, f.t.Commit(p, 1, virt, uint32(n+1)))
		if n > 0 {
			require.NoError(t, f.t.Retire(cur))
		}
		cur = p
		f.owner.pages[virt] = p
	}
	got, err := f.m.ReadPage(ctx, f.owner.pages[virt])
	require.NoError(t, err)
	assert.Equal(t, pageOf(byte(199)), got)
	assert.Positive(t, f.t.Counters().Erased)
}

func TestTableAbortLeavesDirty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.t.AllocPage(ctx)
	require.NoError(t, err)
	f.t.Abort(p)
	e, _ := f.t.Entry(p)
	assert.Equal(t, SpaceDirty, e.State())
	assert.False(t, e.Clean())
}

func TestMediumHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.ReadHeader(ctx)
	assert.ErrorIs(t, err, ErrUnformatted)

	h := Header{Version: HeaderVersion, Geometry: testGeometry()}
	copy(h.Salt[:], "0123456789abcdef")
	require.NoError(t, f.m.WriteHeader(ctx, h))
	got, err := f.m.ReadHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	require.NoError(t, f.back.Program(ctx, 30, []byte{0x00}))
	_, err = f.m.ReadHeader(ctx)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestMediumProgramVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := PhysFromPage(6)
	require.NoError(t, f.m.ProgramPage(ctx, p, pageOf(0x0F)))
	assert.ErrorIs(t, f.m.ProgramPage(ctx, p, pageOf(0xF0)), ErrVerify)
	assert.Equal(t, uint64(32), f.m.IOStats().Programs)
}
