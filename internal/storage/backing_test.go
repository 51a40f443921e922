package storage

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{ProgramSize: 256, SectorSize: 2 * PageSize, BulkSize: 4 * PageSize, TotalSize: 16 * PageSize}
}

func backings(t *testing.T) map[string]Backing {
	t.Helper()
	geo := testGeometry()
	dir := t.TempDir()

	mem, err := NewMemoryBacking(geo)
	require.NoError(t, err)
	fb, err := OpenFileBacking(filepath.Join(dir, "medium.img"), geo)
	require.NoError(t, err)
	bb, err := OpenBoltBacking(filepath.Join(dir, "medium.db"), geo)
	require.NoError(t, err)

	out := map[string]Backing{"memory": mem, "file": fb, "bolt": bb}
	t.Cleanup(func() {
		for _, b := range out {
			b.Close()
		}
	})
	return out
}

func TestBackingFlashSemantics(t *testing.T) {
	ctx := context.Background()
	for name, b := range backings(t) {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, PageSize)
			require.NoError(t, b.Read(ctx, PageSize, buf))
			assert.True(t, IsErased(buf), "fresh medium must read erased")

			require.NoError(t, b.Program(ctx, PageSize, []byte{0x0F, 0xF0}))
			got := make([]byte, 2)
			require.NoError(t, b.Read(ctx, PageSize, got))
			assert.Equal(t, []byte{0x0F, 0xF0}, got)

			// a second program can only clear bits
			require.NoError(t, b.Program(ctx, PageSize, []byte{0xF3, 0xFF}))
			require.NoError(t, b.Read(ctx, PageSize, got))
			assert.Equal(t, []byte{0x03, 0xF0}, got)

			require.NoError(t, b.EraseSector(ctx, 0))
			require.NoError(t, b.Read(ctx, PageSize, got))
			assert.Equal(t, []byte{0xFF, 0xFF}, got)
		})
	}
}

func TestBackingProgramBoundaries(t *testing.T) {
	ctx := context.Background()
	for name, b := range backings(t) {
		t.Run(name, func(t *testing.T) {
			err := b.Program(ctx, 250, make([]byte, 10))
			assert.ErrorIs(t, err, ErrProgramSpan)
			err = b.Program(ctx, b.Geometry().TotalSize-1, make([]byte, 2))
			assert.ErrorIs(t, err, ErrOutOfRange)
			assert.ErrorIs(t, b.EraseSector(ctx, b.Geometry().Sectors()), ErrOutOfRange)
		})
	}
}

func TestBackingEraseBulkSpansSectors(t *testing.T) {
	ctx := context.Background()
	for name, b := range backings(t) {
		t.Run(name, func(t *testing.T) {
			geo := b.Geometry()
			for s := 0; s < geo.SectorsPerBulk()*2; s++ {
				require.NoError(t, b.Program(ctx, int64(s*geo.SectorSize), []byte{0}))
			}
			require.NoError(t, b.EraseBulk(ctx, 1))
			one := make([]byte, 1)
			for s := 0; s < geo.SectorsPerBulk()*2; s++ {
				require.NoError(t, b.Read(ctx, int64(s*geo.SectorSize), one))
				if s < geo.SectorsPerBulk() {
					assert.Equal(t, byte(0), one[0], "sector %d outside the bulk must survive", s)
				} else {
					assert.Equal(t, byte(0xFF), one[0], "sector %d must be erased", s)
				}
			}
		})
	}
}

func TestFileBackingKeepsDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medium.img")
	geo := testGeometry()
	fb, err := OpenFileBacking(path, geo)
	require.NoError(t, err)
	id := fb.DeviceID()
	require.NoError(t, fb.Program(context.Background(), 0, []byte("abc")))
	require.NoError(t, fb.Close())

	fb2, err := OpenFileBacking(path, geo)
	require.NoError(t, err)
	defer fb2.Close()
	assert.Equal(t, id, fb2.DeviceID())
	got := make([]byte, 3)
	require.NoError(t, fb2.Read(context.Background(), 0, got))
	assert.Equal(t, "abc", string(got))

	other, err := NewMemoryBacking(geo)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(id, other.DeviceID()))
}

func TestBoltBackingRejectsGeometryChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medium.db")
	bb, err := OpenBoltBacking(path, testGeometry())
	require.NoError(t, err)
	require.NoError(t, bb.Close())

	geo := testGeometry()
	geo.TotalSize *= 2
	_, err = OpenBoltBacking(path, geo)
	assert.ErrorIs(t, err, ErrBadGeometry)
}

func TestGeometryValidate(t *testing.T) {
	assert.NoError(t, DefaultGeometry().Validate())
	bad := DefaultGeometry()
	bad.SectorSize = PageSize + 1
	assert.ErrorIs(t, bad.Validate(), ErrBadGeometry)
	bad = DefaultGeometry()
	bad.ProgramSize = 300
	assert.ErrorIs(t, bad.Validate(), ErrBadGeometry)
}

func TestFaultyInjectsFailures(t *testing.T) {
	mem, err := NewMemoryBacking(testGeometry())
	require.NoError(t, err)
	f := NewFaulty(mem)
	ctx := context.Background()

	f.FailProgramsAfter(1)
	require.NoError(t, f.Program(ctx, 0, []byte{1}))
	assert.ErrorIs(t, f.Program(ctx, 1, []byte{1}), ErrInjectedFail)
	f.FailErases(true)
	assert.ErrorIs(t, f.EraseSector(ctx, 0), ErrInjectedFail)
	f.Heal()
	require.NoError(t, f.Program(ctx, 1, []byte{1}))
	require.NoError(t, f.EraseSector(ctx, 0))
	programs, erases := f.Counts()
	assert.Equal(t, 2, programs)
	assert.Equal(t, 1, erases)
}
