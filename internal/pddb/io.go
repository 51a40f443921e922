package pddb

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

func satInc(v uint32) uint32 {
	if v == ^uint32(0) {
		return v
	}
	return v + 1
}

// readPage returns the plaintext of one virtual page, or ok=false when the
// page was never written.
func (db *DB) readPage(ctx context.Context, b *openBasis, virt pagetable.VirtAddr) ([]byte, bool, error) {
	if body, ok := db.cacheGet(b, virt); ok {
		return body, true, nil
	}
	m, ok := b.pages[virt]
	if !ok {
		return nil, false, nil
	}
	raw, err := db.medium.ReadPage(ctx, m.phys)
	if err != nil {
		return nil, false, err
	}
	h, ok := b.openHeader(raw, m.phys)
	if !ok || h.Virt != virt {
		return nil, false, fmt.Errorf("%w: %s", ErrCorrupt, m.phys)
	}
	body, err := b.openBody(raw, m.phys, h)
	if err != nil {
		return nil, false, err
	}
	db.cachePut(b, virt, body)
	return body, true, nil
}

// writePage programs a new copy of virt into a fresh physical page and
// retires the old copy. Nothing is ever programmed in place.
func (db *DB) writePage(ctx context.Context, b *openBasis, virt pagetable.VirtAddr, body []byte, flags uint32) error {
	phys, err := db.table.AllocPage(ctx)
	if err != nil {
		return err
	}
	// allocation may have compacted and moved the old copy; read it after
	prev, had := b.pages[virt]
	rev := satInc(b.lastRev(virt))
	raw := b.sealPage(phys, pageHeader{Virt: virt, Rev: rev, Flags: flags}, body)
	if err := db.medium.ProgramPage(ctx, phys, raw); err != nil {
		db.table.Abort(phys)
		return fmt.Errorf("program %s: %w", phys, err)
	}
	if err := db.table.Commit(phys, b.id, virt, rev); err != nil {
		return err
	}
	if had {
		if err := db.table.Retire(prev.phys); err != nil {
			return err
		}
	}
	b.pages[virt] = mapping{phys: phys, rev: rev}
	db.cachePut(b, virt, body)
	return nil
}

// dropPage retires the copy of virt, if any.
func (db *DB) dropPage(b *openBasis, virt pagetable.VirtAddr) error {
	m, ok := b.pages[virt]
	if !ok {
		return nil
	}
	delete(b.pages, virt)
	b.bumpFloor(virt, m.rev)
	db.cacheDrop(b, virt)
	return db.table.Retire(m.phys)
}

// writeRecord replaces a multi-page record. All new pages are reserved and
// programmed before any is committed, and they share one revision, so a
// torn write leaves the previous generation intact on the medium.
func (db *DB) writeRecord(ctx context.Context, b *openBasis, base pagetable.VirtAddr, rec []byte, oldPages int) error {
	n := len(rec) / basis.DataPerPage
	phys := make([]pagetable.PhysAddr, 0, n)
	abort := func() {
		for _, p := range phys {
			db.table.Abort(p)
		}
	}
	for i := 0; i < n; i++ {
		p, err := db.table.AllocPage(ctx)
		if err != nil {
			abort()
			return err
		}
		phys = append(phys, p)
	}

	gen := uint32(0)
	for i := 0; i < n || i < oldPages; i++ {
		if r := b.lastRev(base.Add(uint64(i))); r > gen {
			gen = r
		}
	}
	gen = satInc(gen)

	for i, p := range phys {
		virt := base.Add(uint64(i))
		body := rec[i*basis.DataPerPage : (i+1)*basis.DataPerPage]
		raw := b.sealPage(p, pageHeader{Virt: virt, Rev: gen, Flags: uint32(n)}, body)
		if err := db.medium.ProgramPage(ctx, p, raw); err != nil {
			abort()
			return fmt.Errorf("program record page %s: %w", p, err)
		}
	}

	for i, p := range phys {
		virt := base.Add(uint64(i))
		if err := db.table.Commit(p, b.id, virt, gen); err != nil {
			return err
		}
		if prev, ok := b.pages[virt]; ok {
			if err := db.table.Retire(prev.phys); err != nil {
				return err
			}
		}
		b.pages[virt] = mapping{phys: p, rev: gen}
		db.cacheDrop(b, virt)
	}
	for i := n; i < oldPages; i++ {
		if err := db.dropPage(b, base.Add(uint64(i))); err != nil {
			return err
		}
	}
	return nil
}

// readRecord concatenates the bodies of pages [base, base+n).
func (db *DB) readRecord(ctx context.Context, b *openBasis, base pagetable.VirtAddr, n int) ([]byte, error) {
	out := make([]byte, 0, n*basis.DataPerPage)
	for i := 0; i < n; i++ {
		body, ok, err := db.readPage(ctx, b, base.Add(uint64(i)))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, basis.ErrInvalid
		}
		out = append(out, body...)
	}
	return out, nil
}

// Relocate implements pagetable.Relocator for compaction. The copy keeps
// its revision so multi-page records still match as one generation; the
// nonce differs because it binds the physical page.
func (db *DB) Relocate(ctx context.Context, owner pagetable.Owner, virt pagetable.VirtAddr, src, dst pagetable.PhysAddr) (uint32, error) {
	b := db.basisByOwner(owner)
	if b == nil {
		return 0, fmt.Errorf("relocate: owner %d not mounted", owner)
	}
	raw, err := db.medium.ReadPage(ctx, src)
	if err != nil {
		return 0, err
	}
	h, ok := b.openHeader(raw, src)
	if !ok || h.Virt != virt {
		return 0, fmt.Errorf("%w: %s", ErrCorrupt, src)
	}
	body, err := b.openBody(raw, src, h)
	if err != nil {
		return 0, err
	}
	if err := db.medium.ProgramPage(ctx, dst, b.sealPage(dst, h, body)); err != nil {
		return 0, err
	}
	m := b.pages[virt]
	m.phys = dst
	b.pages[virt] = m
	return h.Rev, nil
}

// Restore implements pagetable.Relocator.
func (db *DB) Restore(owner pagetable.Owner, virt pagetable.VirtAddr, src, _ pagetable.PhysAddr) {
	b := db.basisByOwner(owner)
	if b == nil {
		return
	}
	m := b.pages[virt]
	m.phys = src
	b.pages[virt] = m
	db.lg.Debug("relocation restored", zap.Uint32("owner", uint32(owner)))
}
