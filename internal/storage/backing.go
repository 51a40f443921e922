package storage

import (
	"context"
	"errors"
	"fmt"
)

// PageSize is the unit of encryption and mapping on every medium.
const PageSize = 4096

var (
	ErrOutOfRange   = errors.New("storage: access out of range")
	ErrProgramSpan  = errors.New("storage: program crosses a program boundary")
	ErrBadGeometry  = errors.New("storage: invalid geometry")
	ErrClosed       = errors.New("storage: backing closed")
	ErrInjectedFail = errors.New("storage: injected failure")
)

// Geometry describes the program and erase granularity of a medium. The
// allocator treats all of these as configuration.
type Geometry struct {
	ProgramSize int   `json:"program_size"`
	SectorSize  int   `json:"sector_size"`
	BulkSize    int   `json:"bulk_size"`
	TotalSize   int64 `json:"total_size"`
}

func DefaultGeometry() Geometry {
	return Geometry{
		ProgramSize: 256,
		SectorSize:  4 * PageSize,
		BulkSize:    64 * 1024,
		TotalSize:   8 * 1024 * 1024,
	}
}

func (g Geometry) Validate() error {
	switch {
	case g.ProgramSize <= 0 || PageSize%g.ProgramSize != 0:
		return fmt.Errorf("%w: program size %d must divide %d", ErrBadGeometry, g.ProgramSize, PageSize)
	case g.SectorSize < PageSize || g.SectorSize%PageSize != 0:
		return fmt.Errorf("%w: sector size %d must be a multiple of %d", ErrBadGeometry, g.SectorSize, PageSize)
	case g.BulkSize < g.SectorSize || g.BulkSize%g.SectorSize != 0:
		return fmt.Errorf("%w: bulk size %d must be a multiple of sector size", ErrBadGeometry, g.BulkSize)
	case g.TotalSize < 2*int64(g.BulkSize) || g.TotalSize%int64(g.BulkSize) != 0:
		return fmt.Errorf("%w: total size %d must be at least two bulk units", ErrBadGeometry, g.TotalSize)
	}
	return nil
}

func (g Geometry) Sectors() int        { return int(g.TotalSize / int64(g.SectorSize)) }
func (g Geometry) Pages() int          { return int(g.TotalSize / PageSize) }
func (g Geometry) PagesPerSector() int { return g.SectorSize / PageSize }
func (g Geometry) SectorsPerBulk() int { return g.BulkSize / g.SectorSize }

// Backing is the raw medium. Program only clears bits (flash semantics), so
// a region must be erased before it can hold new data.
type Backing interface {
	Geometry() Geometry
	// DeviceID is stable for the lifetime of the medium and unique per device.
	DeviceID() []byte
	Read(ctx context.Context, off int64, p []byte) error
	Program(ctx context.Context, off int64, p []byte) error
	EraseSector(ctx context.Context, sector int) error
	EraseBulk(ctx context.Context, bulk int) error
	Sync(ctx context.Context) error
	Close() error
}

func checkRead(g Geometry, off int64, n int) error {
	if off < 0 || n < 0 || off+int64(n) > g.TotalSize {
		return fmt.Errorf("%w: read %d@%d", ErrOutOfRange, n, off)
	}
	return nil
}

func checkProgram(g Geometry, off int64, n int) error {
	if err := checkRead(g, off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	ps := int64(g.ProgramSize)
	if off/ps != (off+int64(n)-1)/ps {
		return fmt.Errorf("%w: %d@%d", ErrProgramSpan, n, off)
	}
	return nil
}

func checkSector(g Geometry, sector int) error {
	if sector < 0 || sector >= g.Sectors() {
		return fmt.Errorf("%w: sector %d", ErrOutOfRange, sector)
	}
	return nil
}

func checkBulk(g Geometry, bulk int) error {
	if bulk < 0 || int64(bulk)*int64(g.BulkSize) >= g.TotalSize {
		return fmt.Errorf("%w: bulk %d", ErrOutOfRange, bulk)
	}
	return nil
}

// andInto applies a flash program of src over dst.
func andInto(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}

func erased(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}
	return b
}

// IsErased reports whether every byte of b is in the erased state.
func IsErased(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}
