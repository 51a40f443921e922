package pddb

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

// Image syncs every open basis and returns a raw copy of the whole medium.
// The copy reveals no more than the medium itself does.
func (db *DB) Image(ctx context.Context) ([]byte, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if !db.formatted {
		return nil, ErrUninit
	}
	if err := db.syncAll(ctx); err != nil {
		return nil, err
	}
	geo := db.medium.Geometry()
	out := make([]byte, 0, geo.TotalSize)
	for i := 0; i < geo.Pages(); i++ {
		page, err := db.medium.ReadPage(ctx, pagetable.PhysFromPage(uint64(i)))
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	db.audit.Append(audit.EventBackup, int64(len(out)/pagetable.PageSize))
	return out, nil
}

// RestoreImage replaces the whole medium with img. No basis may be mounted.
func (db *DB) RestoreImage(ctx context.Context, img []byte) error {
	if err := db.usable(); err != nil {
		return err
	}
	if len(db.bases) > 0 {
		return ErrBusy
	}
	geo := db.medium.Geometry()
	if int64(len(img)) != geo.TotalSize {
		return fmt.Errorf("%w: image is %d bytes, medium is %d", ErrInvalidArgument, len(img), geo.TotalSize)
	}
	for bulk := 0; bulk < int(geo.TotalSize/int64(geo.BulkSize)); bulk++ {
		if err := db.medium.EraseBulk(ctx, bulk); err != nil {
			return fmt.Errorf("restore: erase bulk %d: %w", bulk, err)
		}
	}
	written := 0
	for i := 0; i < geo.Pages(); i++ {
		page := img[i*pagetable.PageSize : (i+1)*pagetable.PageSize]
		if storage.IsErased(page) {
			continue
		}
		if err := db.medium.ProgramPage(ctx, pagetable.PhysFromPage(uint64(i)), page); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		written++
	}
	if err := db.medium.Sync(ctx); err != nil {
		return err
	}
	db.lock = newLockout(db.opts.Policy, db.clock)
	if err := db.loadHeader(ctx); err != nil {
		return err
	}
	if db.cache != nil {
		db.cache.Clear()
	}
	db.lg.Info("medium restored", zap.Int("pages", written))
	db.audit.Append(audit.EventRestore, int64(written))
	return nil
}
