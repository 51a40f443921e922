package pagetable

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrNoRelocator = errors.New("pagetable: no relocator registered")

// Relocator moves one owned page. Relocate re-seals the page at dst and
// points the owner's mapping there, returning the revision it wrote.
// Restore undoes that for a rollback.
type Relocator interface {
	Relocate(ctx context.Context, owner Owner, virt VirtAddr, src, dst PhysAddr) (uint32, error)
	Restore(owner Owner, virt VirtAddr, src, dst PhysAddr)
}

type move struct {
	owner    Owner
	virt     VirtAddr
	src, dst int
	rev      uint32
}

// Reclaim brings the free count back above the compaction reserve. Sectors
// (or whole bulk units) with nothing but dirty and free pages are erased
// first; if that is not enough, the sector with the most dirty pages that
// holds no foreign page is compacted.
func (t *Table) Reclaim(ctx context.Context) error {
	t.eraseBulks(ctx)
	for s := 1; s < t.geo.Sectors() && t.free <= t.reserve; s++ {
		info := t.inspect(s)
		if info.live == 0 && info.foreign == 0 && info.reserved == 0 && info.dirty > 0 {
			if err := t.EraseSector(ctx, s); err != nil {
				return err
			}
		}
	}
	for t.free <= t.reserve {
		s, ok := t.compactionCandidate()
		if !ok {
			return ErrNoSpace
		}
		if err := t.Compact(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) eraseBulks(ctx context.Context) {
	spb := t.geo.SectorsPerBulk()
	for bulk := 1; bulk*spb < t.geo.Sectors() && t.free <= t.reserve; bulk++ {
		dirty := 0
		ok := true
		for s := bulk * spb; s < (bulk+1)*spb; s++ {
			info := t.inspect(s)
			if info.live > 0 || info.foreign > 0 || info.reserved > 0 {
				ok = false
				break
			}
			dirty += info.dirty
		}
		if !ok || dirty == 0 {
			continue
		}
		if err := t.m.EraseBulk(ctx, bulk); err != nil {
			t.lg.Warn("bulk erase failed", zap.Int("bulk", bulk), zap.Error(err))
			continue
		}
		lo, _ := t.sectorRange(bulk * spb)
		_, hi := t.sectorRange((bulk+1)*spb - 1)
		t.markErased(lo, hi)
	}
}

func (t *Table) compactionCandidate() (int, bool) {
	best, bestDirty := -1, 0
	for s := 1; s < t.geo.Sectors(); s++ {
		info := t.inspect(s)
		if info.foreign > 0 || info.reserved > 0 || info.dirty == 0 {
			continue
		}
		if info.live > t.free-info.free {
			continue
		}
		if info.dirty > bestDirty {
			best, bestDirty = s, info.dirty
		}
	}
	return best, best >= 0
}

// Compact copies every live page out of sector and erases it. Either all
// pages move and the sector is erased, or the table and every owner's
// mapping are put back as they were and the sector is left alone.
func (t *Table) Compact(ctx context.Context, sector int) error {
	if sector <= 0 || sector >= t.geo.Sectors() {
		return fmt.Errorf("%w: sector %d cannot be compacted", ErrSectorInUse, sector)
	}
	info := t.inspect(sector)
	if info.foreign > 0 || info.reserved > 0 {
		return fmt.Errorf("%w: sector %d holds pages no open basis owns", ErrSectorInUse, sector)
	}
	if info.live > 0 && t.relocator == nil {
		return ErrNoRelocator
	}
	if info.live > t.free-info.free {
		return ErrNoSpace
	}

	t.fenced = sector
	defer func() { t.fenced = -1 }()

	lo, hi := t.sectorRange(sector)
	var moved []move
	for i := lo; i < hi; i++ {
		p := t.pages[i]
		if p.State() != SpaceUsed || !p.Valid() {
			continue
		}
		j, ok := t.pick(true)
		if !ok {
			t.rollback(moved)
			return ErrNoSpace
		}
		t.reserveAt(j)
		owner, virt := t.owner[i], t.virt[i]
		rev, err := t.relocator.Relocate(ctx, owner, virt, p.Addr(), t.pages[j].Addr())
		if err != nil {
			t.markDirty(j)
			t.rollback(moved)
			t.lg.Warn("compaction rolled back", zap.Int("sector", sector), zap.Int("moved", len(moved)), zap.Error(err))
			return fmt.Errorf("compact sector %d: %w", sector, err)
		}
		t.take(j, owner, virt, rev)
		moved = append(moved, move{owner: owner, virt: virt, src: i, dst: j, rev: rev})
	}

	for _, mv := range moved {
		t.markDirty(mv.src)
	}
	t.counters.Compactions++
	t.counters.Relocated += uint64(len(moved))
	t.lg.Debug("sector compacted", zap.Int("sector", sector), zap.Int("relocated", len(moved)))
	return t.EraseSector(ctx, sector)
}

func (t *Table) rollback(moved []move) {
	for k := len(moved) - 1; k >= 0; k-- {
		mv := moved[k]
		t.relocator.Restore(mv.owner, mv.virt, t.pages[mv.src].Addr(), t.pages[mv.dst].Addr())
		t.markDirty(mv.dst)
	}
	t.counters.Rollbacks++
}
