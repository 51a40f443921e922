package pddb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/audit"
	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

// errNoRoot is internal: callers only ever see an Incorrect outcome.
var errNoRoot = errors.New("pddb: no root authenticates")

type candidate struct {
	phys  pagetable.PhysAddr
	rev   uint32
	flags uint32
}

// claimSet is every foreign page whose header opened under one basis key.
type claimSet map[pagetable.VirtAddr][]candidate

func validateBasisName(name string) error {
	if err := basis.ValidateName(name, basis.NameLen); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

// Mount unlocks a basis. A wrong password and a basis that does not exist
// look the same: both are Incorrect and count toward the lockout.
func (db *DB) Mount(ctx context.Context, name string, password []byte) (PasswordOutcome, error) {
	if err := db.usable(); err != nil {
		return PasswordOutcome{}, err
	}
	if !db.formatted {
		return PasswordOutcome{Kind: Uninit}, nil
	}
	if err := validateBasisName(name); err != nil {
		return PasswordOutcome{}, err
	}
	if db.basisByName(name) != nil {
		return PasswordOutcome{}, ErrAlreadyMounted
	}
	if out, locked := db.lock.check(name); locked {
		db.metrics.mountOutcome(out)
		return out, nil
	}

	start := db.clock.Now()
	b, err := db.openExisting(ctx, name, password)
	db.metrics.kdfSeconds.Observe(db.clock.Now().Sub(start).Seconds())
	if errors.Is(err, errNoRoot) {
		out := db.lock.fail(name)
		db.metrics.mountOutcome(out)
		if out.Kind == ForcedAbort {
			db.audit.Append(audit.EventLockout, int64(out.Attempts))
		} else {
			db.audit.Append(audit.EventMountFail, int64(out.Attempts))
		}
		return out, nil
	}
	if err != nil {
		return PasswordOutcome{}, err
	}
	db.lock.reset(name)
	db.attach(b)
	out := PasswordOutcome{Kind: Correct}
	db.metrics.mountOutcome(out)
	db.audit.Append(audit.EventMount, int64(len(db.bases)))
	db.lg.Info("basis mounted", zap.Uint32("handle", uint32(b.id)), zap.Int("pages", len(b.pages)))
	return out, nil
}

// ResetAttempts clears the failure count and lockout for name.
func (db *DB) ResetAttempts(name string) { db.lock.reset(name) }

// CreateBasis makes a new basis and mounts it. It refuses when a root for
// the same name and password already authenticates.
func (db *DB) CreateBasis(ctx context.Context, name string, password []byte) error {
	if err := db.usable(); err != nil {
		return err
	}
	if !db.formatted {
		return ErrUninit
	}
	if err := validateBasisName(name); err != nil {
		return err
	}
	if db.basisByName(name) != nil {
		return ErrAlreadyMounted
	}
	existing, err := db.openExisting(ctx, name, password)
	if err == nil {
		db.table.Release(existing.id)
		existing.wipe()
		return ErrBasisExists
	}
	if !errors.Is(err, errNoRoot) {
		return err
	}

	b, err := db.newBasisState(name, password)
	if err != nil {
		return err
	}
	b.cat = basis.New(basis.NewRoot(name))
	b.free = pagetable.NewFreeSpace(basis.KeyDataStart, b.cat.Root.Boundary, basis.KeyDataLimit)
	b.dirtyRoot = true
	db.attach(b)
	if err := db.syncBasis(ctx, b); err != nil {
		db.detach(b)
		return err
	}
	db.audit.Append(audit.EventMount, int64(len(db.bases)))
	db.lg.Info("basis created", zap.Uint32("handle", uint32(b.id)))
	return nil
}

func (db *DB) newBasisState(name string, password []byte) (*openBasis, error) {
	keys, err := crypto.DeriveBasisKeys(password, db.header.Salt, name, db.opts.KDF)
	if err != nil {
		return nil, err
	}
	db.nextOwner++
	b, err := newOpenBasis(db.nextOwner, name, keys)
	if err != nil {
		keys.Wipe()
		return nil, err
	}
	return b, nil
}

func (db *DB) attach(b *openBasis) {
	db.bases = append(db.bases, b)
	db.metrics.mounted.Set(float64(len(db.bases)))
}

func (db *DB) detach(b *openBasis) {
	for i, o := range db.bases {
		if o == b {
			db.bases = append(db.bases[:i], db.bases[i+1:]...)
			break
		}
	}
	db.table.Release(b.id)
	b.wipe()
	if db.cache != nil {
		db.cache.Clear()
	}
	db.metrics.mounted.Set(float64(len(db.bases)))
}

// openExisting derives the keys and looks for an authenticating root. The
// page table is not touched unless the root opens.
func (db *DB) openExisting(ctx context.Context, name string, password []byte) (*openBasis, error) {
	b, err := db.newBasisState(name, password)
	if err != nil {
		return nil, err
	}
	claims, err := db.scan(ctx, b)
	if err != nil {
		b.wipe()
		return nil, err
	}
	root, rootGen, err := db.pickRoot(ctx, b, claims, name)
	if err != nil {
		b.wipe()
		return nil, err
	}
	db.load(ctx, b, claims, root, rootGen)
	return b, nil
}

func (db *DB) scan(ctx context.Context, b *openBasis) (claimSet, error) {
	claims := claimSet{}
	for _, p := range db.table.ForeignPages() {
		h, ok, err := db.probe(ctx, b, p)
		if err != nil {
			return nil, err
		}
		if ok {
			claims[h.Virt] = append(claims[h.Virt], candidate{phys: p, rev: h.Rev, flags: h.Flags})
		}
	}
	// stale copies from earlier in this session are not foreign, but a
	// reused address must still be written above their revisions
	for _, p := range db.table.StalePages() {
		h, ok, err := db.probe(ctx, b, p)
		if err != nil {
			return nil, err
		}
		if ok {
			b.bumpFloor(h.Virt, h.Rev)
		}
	}
	return claims, nil
}

func (db *DB) probe(ctx context.Context, b *openBasis, p pagetable.PhysAddr) (pageHeader, bool, error) {
	raw, err := db.medium.ReadAt(ctx, p, 0, basis.PageHeaderSize)
	if err != nil {
		return pageHeader{}, false, err
	}
	h, ok := b.openHeader(raw, p)
	return h, ok, nil
}

// generation is one copy of a multi-page record: for each page, every
// candidate carrying the generation's revision. More than one candidate per
// page happens when a compaction was rolled back after copying it.
type generation [][]candidate

// generations lists the complete copies of the record at base, newest
// first. A generation is complete when every one of its pages is present
// with the same revision and page count.
func generations(claims claimSet, base pagetable.VirtAddr, maxPages int) []generation {
	type head struct{ rev, flags uint32 }
	var heads []head
	seen := map[head]bool{}
	for _, c := range claims[base] {
		h := head{c.rev, c.flags}
		if !seen[h] {
			seen[h] = true
			heads = append(heads, h)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].rev > heads[j].rev })

	var out []generation
	for _, h := range heads {
		n := int(h.flags)
		if n == 0 || n > maxPages {
			continue
		}
		gen := make(generation, 0, n)
		for i := 0; i < n; i++ {
			var copies []candidate
			for _, c := range claims[base.Add(uint64(i))] {
				if c.rev == h.rev && c.flags == h.flags {
					copies = append(copies, c)
				}
			}
			if len(copies) == 0 {
				break
			}
			gen = append(gen, copies)
		}
		if len(gen) == n {
			out = append(out, gen)
		}
	}
	return out
}

// readGeneration returns the record bytes and the copy of each page that
// authenticated.
func (db *DB) readGeneration(ctx context.Context, b *openBasis, base pagetable.VirtAddr, gen generation) ([]byte, []candidate, error) {
	out := make([]byte, 0, len(gen)*basis.DataPerPage)
	picked := make([]candidate, 0, len(gen))
	for i, copies := range gen {
		var body []byte
		for _, c := range copies {
			raw, err := db.medium.ReadPage(ctx, c.phys)
			if err != nil {
				return nil, nil, err
			}
			if body, err = b.openBody(raw, c.phys, pageHeader{Virt: base.Add(uint64(i)), Rev: c.rev, Flags: c.flags}); err == nil {
				picked = append(picked, c)
				break
			}
		}
		if len(picked) != i+1 {
			return nil, nil, basis.ErrInvalid
		}
		out = append(out, body...)
	}
	return out, picked, nil
}

func (db *DB) pickRoot(ctx context.Context, b *openBasis, claims claimSet, name string) (basis.Root, []candidate, error) {
	for _, gen := range generations(claims, basis.RootVirt, basis.RootMaxPages) {
		rec, picked, err := db.readGeneration(ctx, b, basis.RootVirt, gen)
		if err != nil {
			if errors.Is(err, basis.ErrInvalid) {
				continue
			}
			return basis.Root{}, nil, err
		}
		root, err := basis.DecodeRoot(rec, b.keys, name, db.DeviceID())
		if err == nil {
			return root, picked, nil
		}
	}
	return basis.Root{}, nil, errNoRoot
}

// load adopts the chosen root, the newest decodable copy of every live
// dictionary and the newest copy of every live key page. Every other page
// the basis authenticated is stale and goes to dirty.
func (db *DB) load(ctx context.Context, b *openBasis, claims claimSet, root basis.Root, rootGen []candidate) {
	keep := map[pagetable.PhysAddr]bool{}
	adopt := func(base pagetable.VirtAddr, gen []candidate) {
		for i, c := range gen {
			virt := base.Add(uint64(i))
			keep[c.phys] = true
			b.pages[virt] = mapping{phys: c.phys, rev: c.rev}
		}
	}

	// the catalog recounts slots as dictionaries attach
	r := root
	r.Slots, r.DictCount, r.DictSlots = nil, 0, 0
	b.cat = basis.New(r)
	b.rootPages = len(rootGen)
	adopt(basis.RootVirt, rootGen)

	for _, slot := range root.Slots {
		base := basis.DictVirt(slot)
		loaded := false
		for _, gen := range generations(claims, base, basis.DictStride/pagetable.PageSize) {
			rec, picked, err := db.readGeneration(ctx, b, base, gen)
			if err != nil {
				continue
			}
			d, err := basis.DecodeDictionary(rec, b.keys, root.Name, slot, db.DeviceID())
			if err != nil || b.cat.Attach(d) != nil {
				continue
			}
			adopt(base, picked)
			b.dictPages[slot] = len(picked)
			loaded = true
			break
		}
		if !loaded {
			db.lg.Warn("dictionary record lost", zap.Uint32("handle", uint32(b.id)), zap.Uint32("slot", slot))
			b.dirtyRoot = true
		}
	}

	for virt, cs := range claims {
		if virt < basis.KeyDataStart || !b.cat.Live(virt, b.rootPages, b.dictPages) {
			continue
		}
		best, ok := db.newestIntact(ctx, b, virt, cs)
		if !ok {
			continue
		}
		keep[best.phys] = true
		b.pages[virt] = mapping{phys: best.phys, rev: best.rev}
	}

	stale := 0
	for virt, cs := range claims {
		for _, c := range cs {
			if keep[c.phys] {
				_ = db.table.Claim(c.phys, b.id, virt, c.rev)
				continue
			}
			b.bumpFloor(virt, c.rev)
			_ = db.table.Discard(c.phys)
			stale++
		}
	}
	b.free = pagetable.NewFreeSpace(basis.KeyDataStart, b.cat.Root.Boundary, basis.KeyDataLimit)
	db.lg.Debug("basis loaded", zap.Uint32("handle", uint32(b.id)), zap.Int("dictionaries", len(root.Slots)), zap.Int("stale", stale))
}

// newestIntact picks the highest revision of a key page whose body opens. A
// program that failed part way can leave a newer header over a torn body.
func (db *DB) newestIntact(ctx context.Context, b *openBasis, virt pagetable.VirtAddr, cs []candidate) (candidate, bool) {
	if len(cs) == 1 {
		return cs[0], true
	}
	sorted := append([]candidate(nil), cs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rev > sorted[j].rev })
	for _, c := range sorted {
		raw, err := db.medium.ReadPage(ctx, c.phys)
		if err != nil {
			continue
		}
		if _, err := b.openBody(raw, c.phys, pageHeader{Virt: virt, Rev: c.rev, Flags: c.flags}); err == nil {
			return c, true
		}
	}
	return candidate{}, false
}

// Unmount syncs a basis and forgets it. Its pages turn back into foreign
// space and open key handles on it are notified.
func (db *DB) Unmount(ctx context.Context, name string) error {
	if err := db.usable(); err != nil {
		return err
	}
	b := db.basisByName(name)
	if b == nil {
		return ErrNotFound
	}
	err := db.syncBasis(ctx, b)
	db.closeHandles(b.id)
	db.detach(b)
	db.audit.Append(audit.EventUnmount, int64(len(db.bases)))
	db.lg.Info("basis unmounted", zap.Uint32("handle", uint32(b.id)))
	return err
}
