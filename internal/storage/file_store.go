package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileBacking stores the medium image in a single file. The device
// identifier lives in a sidecar "<path>.id" so that copying the image alone
// onto another host yields a different device.
type FileBacking struct {
	mu  sync.Mutex
	geo Geometry
	id  []byte
	f   *os.File
}

func OpenFileBacking(path string, geo Geometry) (*FileBacking, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	id, err := loadOrCreateID(path + ".id")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	switch {
	case st.Size() == 0:
		// fresh image: lay down erased bytes one sector at a time
		blank := erased(geo.SectorSize)
		for off := int64(0); off < geo.TotalSize; off += int64(geo.SectorSize) {
			if _, err := f.WriteAt(blank, off); err != nil {
				f.Close()
				return nil, err
			}
		}
	case st.Size() != geo.TotalSize:
		f.Close()
		return nil, fmt.Errorf("%w: image is %d bytes, geometry wants %d", ErrBadGeometry, st.Size(), geo.TotalSize)
	}
	return &FileBacking{geo: geo, id: id, f: f}, nil
}

func loadOrCreateID(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		id, perr := uuid.Parse(strings.TrimSpace(string(b)))
		if perr != nil {
			return nil, fmt.Errorf("storage: bad device id file %s: %w", path, perr)
		}
		return id[:], nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return nil, err
	}
	return id[:], nil
}

func (fb *FileBacking) Geometry() Geometry { return fb.geo }
func (fb *FileBacking) DeviceID() []byte   { return append([]byte(nil), fb.id...) }

func (fb *FileBacking) Read(_ context.Context, off int64, p []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return ErrClosed
	}
	if err := checkRead(fb.geo, off, len(p)); err != nil {
		return err
	}
	_, err := fb.f.ReadAt(p, off)
	return err
}

func (fb *FileBacking) Program(_ context.Context, off int64, p []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return ErrClosed
	}
	if err := checkProgram(fb.geo, off, len(p)); err != nil {
		return err
	}
	cur := make([]byte, len(p))
	if _, err := fb.f.ReadAt(cur, off); err != nil {
		return err
	}
	andInto(cur, p)
	_, err := fb.f.WriteAt(cur, off)
	return err
}

func (fb *FileBacking) EraseSector(_ context.Context, sector int) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return ErrClosed
	}
	if err := checkSector(fb.geo, sector); err != nil {
		return err
	}
	_, err := fb.f.WriteAt(erased(fb.geo.SectorSize), int64(sector)*int64(fb.geo.SectorSize))
	return err
}

func (fb *FileBacking) EraseBulk(_ context.Context, bulk int) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return ErrClosed
	}
	if err := checkBulk(fb.geo, bulk); err != nil {
		return err
	}
	_, err := fb.f.WriteAt(erased(fb.geo.BulkSize), int64(bulk)*int64(fb.geo.BulkSize))
	return err
}

func (fb *FileBacking) Sync(context.Context) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return ErrClosed
	}
	return fb.f.Sync()
}

func (fb *FileBacking) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}
