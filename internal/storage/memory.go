package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBacking keeps the whole medium in RAM. It is the hosted variant used
// by tests and by the CLI's scratch mode; each instance is its own device.
type MemoryBacking struct {
	mu     sync.Mutex
	geo    Geometry
	id     []byte
	buf    []byte
	closed bool
}

func NewMemoryBacking(geo Geometry) (*MemoryBacking, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	id := uuid.New()
	return &MemoryBacking{geo: geo, id: id[:], buf: erased(int(geo.TotalSize))}, nil
}

func (m *MemoryBacking) Geometry() Geometry { return m.geo }
func (m *MemoryBacking) DeviceID() []byte   { return append([]byte(nil), m.id...) }

func (m *MemoryBacking) Read(_ context.Context, off int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkRead(m.geo, off, len(p)); err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

func (m *MemoryBacking) Program(_ context.Context, off int64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkProgram(m.geo, off, len(p)); err != nil {
		return err
	}
	andInto(m.buf[off:off+int64(len(p))], p)
	return nil
}

func (m *MemoryBacking) EraseSector(_ context.Context, sector int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkSector(m.geo, sector); err != nil {
		return err
	}
	start := sector * m.geo.SectorSize
	copy(m.buf[start:start+m.geo.SectorSize], erased(m.geo.SectorSize))
	return nil
}

func (m *MemoryBacking) EraseBulk(_ context.Context, bulk int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkBulk(m.geo, bulk); err != nil {
		return err
	}
	start := bulk * m.geo.BulkSize
	copy(m.buf[start:start+m.geo.BulkSize], erased(m.geo.BulkSize))
	return nil
}

func (m *MemoryBacking) Sync(context.Context) error { return nil }

func (m *MemoryBacking) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
