package pagetable

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

var (
	ErrSectorInUse = errors.New("pagetable: sector holds used pages")
	ErrBadState    = errors.New("pagetable: page is not in the expected state")
)

// Owner tags pages held by an open basis. NoOwner marks pages nobody in this
// session can decrypt: chaff, closed bases and the medium header.
type Owner uint32

const NoOwner Owner = 0

// Stats is a snapshot of the physical page population.
type Stats struct {
	Total    int
	Free     int
	Reserved int
	Used     int
	Foreign  int
	Dirty    int
}

// Counters accumulate reclamation work.
type Counters struct {
	Compactions uint64
	Relocated   uint64
	Rollbacks   uint64
	Erased      uint64
}

// Table tracks every physical page of the medium. It is not safe for
// concurrent use; the database serializes all access through one worker.
type Table struct {
	lg  *zap.Logger
	m   *Medium
	geo storage.Geometry

	pages []PhysPage
	owner []Owner
	virt  []VirtAddr

	firstData int
	free      int
	fenced    int
	reserve   int
	relocator Relocator
	counters  Counters
}

func NewTable(lg *zap.Logger, m *Medium) *Table {
	if lg == nil {
		lg = zap.NewNop()
	}
	geo := m.Geometry()
	n := geo.Pages()
	t := &Table{
		lg:        lg,
		m:         m,
		geo:       geo,
		pages:     make([]PhysPage, n),
		owner:     make([]Owner, n),
		virt:      make([]VirtAddr, n),
		firstData: geo.PagesPerSector(),
		fenced:    -1,
		reserve:   geo.PagesPerSector(),
	}
	for i := range t.pages {
		t.pages[i] = NewPhysPage(uint64(i)).WithState(SpaceUsed)
	}
	return t
}

func (t *Table) SetRelocator(r Relocator) { t.relocator = r }

func (t *Table) Medium() *Medium { return t.m }

// Load rebuilds the table from the medium: fully erased pages are free and
// everything else is foreign until an open basis claims it.
func (t *Table) Load(ctx context.Context) error {
	t.free = 0
	for i := range t.pages {
		p := NewPhysPage(uint64(i))
		t.owner[i], t.virt[i] = NoOwner, 0
		if i < t.firstData {
			t.pages[i] = p.WithState(SpaceUsed)
			continue
		}
		buf, err := t.m.ReadPage(ctx, p.Addr())
		if err != nil {
			return fmt.Errorf("load page %d: %w", i, err)
		}
		if storage.IsErased(buf) {
			t.pages[i] = p.WithState(SpaceFree).WithClean(true)
			t.free++
		} else {
			t.pages[i] = p.WithState(SpaceUsed)
		}
	}
	t.lg.Debug("page table loaded", zap.Int("pages", len(t.pages)), zap.Int("free", t.free))
	return nil
}

func (t *Table) index(p PhysAddr) (int, error) {
	n := p.Page()
	if uint64(p)%PageSize != 0 || n >= uint64(len(t.pages)) {
		return 0, fmt.Errorf("%w: %s", storage.ErrOutOfRange, p)
	}
	return int(n), nil
}

func (t *Table) Entry(p PhysAddr) (PhysPage, error) {
	i, err := t.index(p)
	if err != nil {
		return 0, err
	}
	return t.pages[i], nil
}

// OwnerOf reports who holds p and at which virtual address.
func (t *Table) OwnerOf(p PhysAddr) (Owner, VirtAddr) {
	i, err := t.index(p)
	if err != nil {
		return NoOwner, 0
	}
	return t.owner[i], t.virt[i]
}

func (t *Table) isForeign(i int) bool {
	return i >= t.firstData && t.pages[i].State() == SpaceUsed && !t.pages[i].Valid()
}

// ForeignPages lists pages an opening basis may try to claim.
func (t *Table) ForeignPages() []PhysAddr {
	var out []PhysAddr
	for i := t.firstData; i < len(t.pages); i++ {
		if t.isForeign(i) {
			out = append(out, t.pages[i].Addr())
		}
	}
	return out
}

// StalePages lists dirty pages that still hold programmed data. An opening
// basis reads their headers only to learn revisions it must stay above.
func (t *Table) StalePages() []PhysAddr {
	var out []PhysAddr
	for i := t.firstData; i < len(t.pages); i++ {
		if t.pages[i].State() == SpaceDirty {
			out = append(out, t.pages[i].Addr())
		}
	}
	return out
}

func (t *Table) sectorOf(i int) int { return i / t.geo.PagesPerSector() }

func (t *Table) pick(allowReserve bool) (int, bool) {
	if t.free == 0 || (!allowReserve && t.free <= t.reserve) {
		return 0, false
	}
	span := len(t.pages) - t.firstData
	start := rand.IntN(span)
	for k := 0; k < span; k++ {
		i := t.firstData + (start+k)%span
		p := t.pages[i]
		if p.State() != SpaceFree || !p.Clean() || t.sectorOf(i) == t.fenced {
			continue
		}
		return i, true
	}
	return 0, false
}

// AllocPage reserves an erased page, reclaiming space first when only the
// compaction reserve is left. Placement is randomized.
func (t *Table) AllocPage(ctx context.Context) (PhysAddr, error) {
	i, ok := t.pick(false)
	if !ok {
		if err := t.Reclaim(ctx); err != nil {
			return 0, err
		}
		if i, ok = t.pick(false); !ok {
			return 0, ErrNoSpace
		}
	}
	t.reserveAt(i)
	return t.pages[i].Addr(), nil
}

func (t *Table) reserveAt(i int) {
	t.pages[i] = t.pages[i].WithState(SpaceReserved)
	t.free--
}

// Commit marks a reserved page as programmed and owned.
func (t *Table) Commit(p PhysAddr, owner Owner, virt VirtAddr, rev uint32) error {
	i, err := t.index(p)
	if err != nil {
		return err
	}
	if t.pages[i].State() != SpaceReserved {
		return fmt.Errorf("%w: commit %s", ErrBadState, t.pages[i])
	}
	t.take(i, owner, virt, rev)
	return nil
}

func (t *Table) take(i int, owner Owner, virt VirtAddr, rev uint32) {
	r := uint8(MaxRevision)
	if rev < MaxRevision {
		r = uint8(rev)
	}
	t.pages[i] = t.pages[i].WithState(SpaceUsed).WithClean(false).WithValid(true).WithRevision(r)
	t.owner[i], t.virt[i] = owner, virt
}

// Abort gives up a reservation after a failed program. The page may have
// been partially written, so it goes to dirty rather than back to free.
func (t *Table) Abort(p PhysAddr) {
	i, err := t.index(p)
	if err != nil || t.pages[i].State() != SpaceReserved {
		return
	}
	t.markDirty(i)
}

// Retire marks an owned page stale. It is erased later, never eagerly.
func (t *Table) Retire(p PhysAddr) error {
	i, err := t.index(p)
	if err != nil {
		return err
	}
	if st := t.pages[i].State(); st != SpaceUsed || !t.pages[i].Valid() {
		return fmt.Errorf("%w: retire %s", ErrBadState, t.pages[i])
	}
	t.markDirty(i)
	return nil
}

func (t *Table) markDirty(i int) {
	t.pages[i] = t.pages[i].WithState(SpaceDirty).WithValid(false).WithClean(false)
	t.owner[i], t.virt[i] = NoOwner, 0
}

// Claim hands a foreign page to the basis that authenticated its header.
func (t *Table) Claim(p PhysAddr, owner Owner, virt VirtAddr, rev uint32) error {
	i, err := t.index(p)
	if err != nil {
		return err
	}
	if !t.isForeign(i) {
		return fmt.Errorf("%w: claim %s", ErrBadState, t.pages[i])
	}
	t.take(i, owner, virt, rev)
	return nil
}

// Discard marks a foreign page stale after its owner proved it superseded.
func (t *Table) Discard(p PhysAddr) error {
	i, err := t.index(p)
	if err != nil {
		return err
	}
	if !t.isForeign(i) {
		return fmt.Errorf("%w: discard %s", ErrBadState, t.pages[i])
	}
	t.markDirty(i)
	return nil
}

// Release turns every page of owner back into foreign space.
func (t *Table) Release(owner Owner) int {
	n := 0
	for i := range t.pages {
		if t.owner[i] != owner || owner == NoOwner {
			continue
		}
		t.pages[i] = t.pages[i].WithValid(false)
		t.owner[i], t.virt[i] = NoOwner, 0
		n++
	}
	return n
}

// EraseSector refuses while any page in the sector is used or reserved.
// On an I/O error the pages keep their previous state.
func (t *Table) EraseSector(ctx context.Context, sector int) error {
	if sector < 0 || sector >= t.geo.Sectors() {
		return fmt.Errorf("%w: sector %d", storage.ErrOutOfRange, sector)
	}
	lo, hi := t.sectorRange(sector)
	if sector == 0 {
		return fmt.Errorf("%w: sector 0 holds the medium header", ErrSectorInUse)
	}
	for i := lo; i < hi; i++ {
		if st := t.pages[i].State(); st == SpaceUsed || st == SpaceReserved {
			return fmt.Errorf("%w: sector %d page %d is %s", ErrSectorInUse, sector, i, st)
		}
	}
	if err := t.m.EraseSector(ctx, sector); err != nil {
		return err
	}
	t.markErased(lo, hi)
	return nil
}

func (t *Table) markErased(lo, hi int) {
	for i := lo; i < hi; i++ {
		if t.pages[i].State() != SpaceFree || !t.pages[i].Clean() {
			t.free++
		}
		t.pages[i] = NewPhysPage(uint64(i)).WithState(SpaceFree).WithClean(true)
		t.owner[i], t.virt[i] = NoOwner, 0
	}
	t.counters.Erased++
}

func (t *Table) sectorRange(sector int) (int, int) {
	pps := t.geo.PagesPerSector()
	return sector * pps, (sector + 1) * pps
}

type sectorInfo struct {
	live, dirty, foreign, reserved, free int
}

func (t *Table) inspect(sector int) sectorInfo {
	var s sectorInfo
	lo, hi := t.sectorRange(sector)
	for i := lo; i < hi; i++ {
		p := t.pages[i]
		switch p.State() {
		case SpaceUsed:
			if p.Valid() {
				s.live++
			} else {
				s.foreign++
			}
		case SpaceDirty:
			s.dirty++
		case SpaceReserved:
			s.reserved++
		case SpaceFree:
			if p.Clean() {
				s.free++
			} else {
				s.dirty++
			}
		}
	}
	return s
}

func (t *Table) Stats() Stats {
	s := Stats{Total: len(t.pages) - t.firstData}
	for i := t.firstData; i < len(t.pages); i++ {
		p := t.pages[i]
		switch p.State() {
		case SpaceFree:
			s.Free++
		case SpaceReserved:
			s.Reserved++
		case SpaceDirty:
			s.Dirty++
		case SpaceUsed:
			if p.Valid() {
				s.Used++
			} else {
				s.Foreign++
			}
		}
	}
	return s
}

func (t *Table) Counters() Counters { return t.counters }
