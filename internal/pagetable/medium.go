package pagetable

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"

	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

const (
	headerMagic   = "PDDB"
	HeaderVersion = 1
	SaltSize      = 16
	headerLen     = 48
)

var (
	ErrUnformatted = errors.New("pagetable: medium is not formatted")
	ErrBadHeader   = errors.New("pagetable: medium header is corrupt")
	ErrVerify      = errors.New("pagetable: program verify failed")
)

// Header lives in the first page of sector 0 and is the only plaintext
// structure on the medium.
type Header struct {
	Version  uint16
	Geometry storage.Geometry
	Salt     [SaltSize]byte
}

func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, headerLen)
	b = append(b, headerMagic...)
	b = binary.BigEndian.AppendUint16(b, h.Version)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(h.Geometry.ProgramSize))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Geometry.SectorSize))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Geometry.BulkSize))
	b = binary.BigEndian.AppendUint64(b, uint64(h.Geometry.TotalSize))
	b = append(b, h.Salt[:]...)
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b)), nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerLen || string(b[:4]) != headerMagic {
		return ErrBadHeader
	}
	if crc32.ChecksumIEEE(b[:headerLen-4]) != binary.BigEndian.Uint32(b[headerLen-4:]) {
		return ErrBadHeader
	}
	h.Version = binary.BigEndian.Uint16(b[4:])
	h.Geometry = storage.Geometry{
		ProgramSize: int(binary.BigEndian.Uint32(b[8:])),
		SectorSize:  int(binary.BigEndian.Uint32(b[12:])),
		BulkSize:    int(binary.BigEndian.Uint32(b[16:])),
		TotalSize:   int64(binary.BigEndian.Uint64(b[20:])),
	}
	copy(h.Salt[:], b[28:28+SaltSize])
	return nil
}

// IOStats counts raw medium operations since the Medium was created.
type IOStats struct {
	Reads    uint64
	Programs uint64
	Erases   uint64
}

// Medium does page-granular I/O on a Backing, splitting every page program
// into ProgramSize chunks and verifying it by read-back.
type Medium struct {
	b   storage.Backing
	geo storage.Geometry

	reads    atomic.Uint64
	programs atomic.Uint64
	erases   atomic.Uint64
}

func NewMedium(b storage.Backing) *Medium {
	return &Medium{b: b, geo: b.Geometry()}
}

func (m *Medium) Backing() storage.Backing   { return m.b }
func (m *Medium) Geometry() storage.Geometry { return m.geo }
func (m *Medium) DeviceID() []byte           { return m.b.DeviceID() }

func (m *Medium) IOStats() IOStats {
	return IOStats{Reads: m.reads.Load(), Programs: m.programs.Load(), Erases: m.erases.Load()}
}

func (m *Medium) ReadPage(ctx context.Context, p PhysAddr) ([]byte, error) {
	buf := make([]byte, PageSize)
	if err := m.b.Read(ctx, p.Offset(), buf); err != nil {
		return nil, err
	}
	m.reads.Add(1)
	return buf, nil
}

// ReadAt reads part of a page, used for header probes.
func (m *Medium) ReadAt(ctx context.Context, p PhysAddr, off int, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > PageSize {
		return nil, fmt.Errorf("%w: %d bytes at %d", storage.ErrOutOfRange, n, off)
	}
	buf := make([]byte, n)
	if err := m.b.Read(ctx, p.Offset()+int64(off), buf); err != nil {
		return nil, err
	}
	m.reads.Add(1)
	return buf, nil
}

func (m *Medium) ProgramPage(ctx context.Context, p PhysAddr, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("pagetable: program of %d bytes, want %d", len(data), PageSize)
	}
	step := m.geo.ProgramSize
	for off := 0; off < PageSize; off += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.b.Program(ctx, p.Offset()+int64(off), data[off:off+step]); err != nil {
			return err
		}
		m.programs.Add(1)
	}
	got, err := m.ReadPage(ctx, p)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("%w: %s", ErrVerify, p)
	}
	return nil
}

func (m *Medium) EraseSector(ctx context.Context, sector int) error {
	if err := m.b.EraseSector(ctx, sector); err != nil {
		return err
	}
	m.erases.Add(1)
	return nil
}

func (m *Medium) EraseBulk(ctx context.Context, bulk int) error {
	if err := m.b.EraseBulk(ctx, bulk); err != nil {
		return err
	}
	m.erases.Add(1)
	return nil
}

func (m *Medium) Sync(ctx context.Context) error { return m.b.Sync(ctx) }

// ReadHeader returns ErrUnformatted when sector 0 is erased.
func (m *Medium) ReadHeader(ctx context.Context) (Header, error) {
	buf, err := m.ReadAt(ctx, 0, 0, headerLen)
	if err != nil {
		return Header{}, err
	}
	if storage.IsErased(buf) {
		return Header{}, ErrUnformatted
	}
	var h Header
	if err := h.UnmarshalBinary(buf); err != nil {
		return Header{}, err
	}
	if h.Geometry != m.geo {
		return Header{}, fmt.Errorf("%w: geometry mismatch", ErrBadHeader)
	}
	return h, nil
}

// WriteHeader erases sector 0 and programs a fresh header page.
func (m *Medium) WriteHeader(ctx context.Context, h Header) error {
	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if err := m.EraseSector(ctx, 0); err != nil {
		return err
	}
	page := bytes.Repeat([]byte{0xFF}, PageSize)
	copy(page, raw)
	return m.ProgramPage(ctx, 0, page)
}
