package pddb

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
	"github.com/betrusted-io/xous-core-sub012/internal/basis"
)

// syncBasis makes the in-memory catalog durable. Dictionaries go first and
// the root last, so the root never names a dictionary that is not on the
// medium. Space freed since the last sync is only released after the root
// stops pointing at it.
func (db *DB) syncBasis(ctx context.Context, b *openBasis) error {
	slots := make([]uint32, 0, len(b.dirtyDicts))
	for s := range b.dirtyDicts {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	for _, s := range slots {
		d, ok := b.cat.DictionaryBySlot(s)
		if !ok {
			delete(b.dirtyDicts, s)
			continue
		}
		rec, err := basis.EncodeDictionary(d, b.keys, b.name, db.DeviceID())
		if err != nil {
			return err
		}
		old := b.dictPages[s]
		if p := b.pendingSlots[s]; p > old {
			old = p
		}
		if err := db.writeRecord(ctx, b, basis.DictVirt(s), rec, old); err != nil {
			return fmt.Errorf("sync dictionary: %w", err)
		}
		b.dictPages[s] = basis.RecordPages(len(rec))
		delete(b.pendingSlots, s)
		delete(b.dirtyDicts, s)
	}

	if bd := b.free.Boundary(); bd != b.cat.Root.Boundary {
		b.cat.Root.Boundary = bd
		b.dirtyRoot = true
	}
	if b.dirtyRoot {
		b.cat.Root.Touch()
		rec, err := basis.EncodeRoot(b.cat.Root, b.keys, db.DeviceID())
		if err != nil {
			return err
		}
		if err := db.writeRecord(ctx, b, basis.RootVirt, rec, b.rootPages); err != nil {
			return fmt.Errorf("sync root: %w", err)
		}
		b.rootPages = basis.RecordPages(len(rec))
		b.dirtyRoot = false
	}

	var err error
	for s, n := range b.pendingSlots {
		for i := 0; i < n; i++ {
			err = multierr.Append(err, db.dropPage(b, basis.DictVirt(s).Add(uint64(i))))
		}
		delete(b.pendingSlots, s)
	}
	for _, e := range b.pendingExtents {
		err = multierr.Append(err, db.releaseExtent(b, e))
	}
	b.pendingExtents = nil
	return err
}

// Sync writes every open basis and flushes the medium.
func (db *DB) Sync(ctx context.Context) error {
	if err := db.usable(); err != nil {
		return err
	}
	return db.syncAll(ctx)
}

func (db *DB) syncAll(ctx context.Context) error {
	var err error
	for _, b := range db.bases {
		if e := db.syncBasis(ctx, b); e != nil {
			db.lg.Error("sync failed", zap.Uint32("handle", uint32(b.id)), zap.Error(e))
			err = multierr.Append(err, e)
		}
	}
	return multierr.Append(err, db.medium.Sync(ctx))
}

// Suspend syncs everything and refuses further work until Resume.
func (db *DB) Suspend(ctx context.Context) error {
	if err := db.usable(); err != nil {
		return err
	}
	if err := db.syncAll(ctx); err != nil {
		return err
	}
	db.suspended = true
	db.audit.Append(audit.EventSuspend, int64(len(db.bases)))
	return nil
}

func (db *DB) Resume() error {
	if db.closed {
		return ErrClosed
	}
	if !db.suspended {
		return nil
	}
	db.suspended = false
	db.audit.Append(audit.EventResume, int64(len(db.bases)))
	return nil
}
