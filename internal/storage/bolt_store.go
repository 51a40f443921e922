package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	sectorsBucket = []byte("sectors")
	metaBucket    = []byte("meta")
	deviceIDKey   = []byte("device-id")
	geometryKey   = []byte("geometry")
)

// BoltBacking keeps one bbolt value per sector. A missing value is an
// erased sector, so a fresh database costs nothing until it is programmed.
type BoltBacking struct {
	mu  sync.Mutex
	geo Geometry
	id  []byte
	db  *bolt.DB
}

func OpenBoltBacking(path string, geo Geometry) (*BoltBacking, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	bb := &BoltBacking{geo: geo, db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sectorsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(deviceIDKey); v != nil {
			bb.id = append([]byte(nil), v...)
		} else {
			id := uuid.New()
			bb.id = id[:]
			if err := meta.Put(deviceIDKey, bb.id); err != nil {
				return err
			}
		}
		want := encodeGeometry(geo)
		if v := meta.Get(geometryKey); v != nil {
			if string(v) != string(want) {
				return fmt.Errorf("%w: database was created with a different geometry", ErrBadGeometry)
			}
			return nil
		}
		return meta.Put(geometryKey, want)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return bb, nil
}

func encodeGeometry(g Geometry) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:], uint32(g.ProgramSize))
	binary.BigEndian.PutUint32(b[4:], uint32(g.SectorSize))
	binary.BigEndian.PutUint32(b[8:], uint32(g.BulkSize))
	binary.BigEndian.PutUint64(b[12:], uint64(g.TotalSize))
	return b
}

func sectorKey(s int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(s))
	return k
}

func (bb *BoltBacking) Geometry() Geometry { return bb.geo }
func (bb *BoltBacking) DeviceID() []byte   { return append([]byte(nil), bb.id...) }

func (bb *BoltBacking) Read(_ context.Context, off int64, p []byte) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return ErrClosed
	}
	if err := checkRead(bb.geo, off, len(p)); err != nil {
		return err
	}
	ss := int64(bb.geo.SectorSize)
	return bb.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		for n := 0; n < len(p); {
			pos := off + int64(n)
			sector, inner := int(pos/ss), int(pos%ss)
			chunk := p[n:]
			if len(chunk) > int(ss)-inner {
				chunk = chunk[:int(ss)-inner]
			}
			if v := b.Get(sectorKey(sector)); v != nil {
				copy(chunk, v[inner:])
			} else {
				copy(chunk, erased(len(chunk)))
			}
			n += len(chunk)
		}
		return nil
	})
}

func (bb *BoltBacking) Program(_ context.Context, off int64, p []byte) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return ErrClosed
	}
	if err := checkProgram(bb.geo, off, len(p)); err != nil {
		return err
	}
	ss := int64(bb.geo.SectorSize)
	sector, inner := int(off/ss), int(off%ss)
	return bb.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		cur := erased(int(ss))
		if v := b.Get(sectorKey(sector)); v != nil {
			copy(cur, v)
		}
		andInto(cur[inner:inner+len(p)], p)
		return b.Put(sectorKey(sector), cur)
	})
}

func (bb *BoltBacking) EraseSector(_ context.Context, sector int) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return ErrClosed
	}
	if err := checkSector(bb.geo, sector); err != nil {
		return err
	}
	return bb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sectorsBucket).Delete(sectorKey(sector))
	})
}

func (bb *BoltBacking) EraseBulk(_ context.Context, bulk int) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return ErrClosed
	}
	if err := checkBulk(bb.geo, bulk); err != nil {
		return err
	}
	per := bb.geo.SectorsPerBulk()
	return bb.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		for s := bulk * per; s < (bulk+1)*per; s++ {
			if err := b.Delete(sectorKey(s)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bb *BoltBacking) Sync(context.Context) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return ErrClosed
	}
	return bb.db.Sync()
}

func (bb *BoltBacking) Close() error {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if bb.db == nil {
		return nil
	}
	err := bb.db.Close()
	bb.db = nil
	return err
}
