package pddb

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

const pageHeaderPlain = basis.PageHeaderSize - crypto.TagSize

// pageHeader is the sealed prefix of every data page. Flags holds the page
// count of the record the page belongs to, or zero for key data.
type pageHeader struct {
	Virt  pagetable.VirtAddr
	Rev   uint32
	Flags uint32
}

type mapping struct {
	phys pagetable.PhysAddr
	rev  uint32
}

// openBasis is the runtime state of one mounted basis.
type openBasis struct {
	id   pagetable.Owner
	name string
	keys *crypto.BasisKeys
	pc   *crypto.PageCipher
	hc   cipher.AEAD

	cat   *basis.Basis
	pages map[pagetable.VirtAddr]mapping
	free  *pagetable.FreeSpace

	// floor remembers revisions of copies that were dropped or discarded
	// but may still sit unerased on the medium.
	floor map[pagetable.VirtAddr]uint32

	rootPages  int
	dictPages  map[uint32]int
	dirtyRoot  bool
	dirtyDicts map[uint32]bool

	// released at the next sync, once no durable record points at them
	pendingExtents []pagetable.Extent
	pendingSlots   map[uint32]int
}

func newOpenBasis(id pagetable.Owner, name string, keys *crypto.BasisKeys) (*openBasis, error) {
	pc, err := crypto.NewPageCipher(keys.PageKey())
	if err != nil {
		return nil, err
	}
	hc, err := crypto.NewSIV(keys.HeaderKey())
	if err != nil {
		return nil, err
	}
	return &openBasis{
		id:           id,
		name:         name,
		keys:         keys,
		pc:           pc,
		hc:           hc,
		pages:        map[pagetable.VirtAddr]mapping{},
		floor:        map[pagetable.VirtAddr]uint32{},
		dictPages:    map[uint32]int{},
		dirtyDicts:   map[uint32]bool{},
		pendingSlots: map[uint32]int{},
	}, nil
}

func physAAD(phys pagetable.PhysAddr) []byte {
	return binary.BigEndian.AppendUint64([]byte("pddb/hdr"), uint64(phys))
}

func (b *openBasis) sealPage(phys pagetable.PhysAddr, h pageHeader, body []byte) []byte {
	var plain [pageHeaderPlain]byte
	binary.BigEndian.PutUint64(plain[0:], uint64(h.Virt))
	binary.BigEndian.PutUint32(plain[8:], h.Rev)
	binary.BigEndian.PutUint32(plain[12:], h.Flags)

	out := make([]byte, 0, pagetable.PageSize)
	out = b.hc.Seal(out, crypto.HeaderNonce(uint64(phys), b.keys.IV()), plain[:], physAAD(phys))
	ct, tag := b.pc.Seal(body, uint64(h.Virt), uint64(phys), b.keys.IV(), h.Rev)
	out = append(out, ct...)
	return append(out, tag...)
}

// openHeader tries the header of a page; false means "not ours", which is
// also what free space and chaff look like.
func (b *openBasis) openHeader(raw []byte, phys pagetable.PhysAddr) (pageHeader, bool) {
	if len(raw) < basis.PageHeaderSize {
		return pageHeader{}, false
	}
	plain, err := b.hc.Open(nil, crypto.HeaderNonce(uint64(phys), b.keys.IV()), raw[:basis.PageHeaderSize], physAAD(phys))
	if err != nil || len(plain) != pageHeaderPlain {
		return pageHeader{}, false
	}
	virt, err := pagetable.NewVirtAddr(binary.BigEndian.Uint64(plain[0:]))
	if err != nil {
		return pageHeader{}, false
	}
	return pageHeader{
		Virt:  virt,
		Rev:   binary.BigEndian.Uint32(plain[8:]),
		Flags: binary.BigEndian.Uint32(plain[12:]),
	}, true
}

func (b *openBasis) openBody(raw []byte, phys pagetable.PhysAddr, h pageHeader) ([]byte, error) {
	body := raw[basis.PageHeaderSize : basis.PageHeaderSize+basis.DataPerPage]
	tag := raw[basis.PageHeaderSize+basis.DataPerPage:]
	plain, err := b.pc.Open(body, tag, uint64(h.Virt), uint64(phys), b.keys.IV(), h.Rev)
	if err != nil {
		return nil, ErrCorrupt
	}
	return plain, nil
}

// usedExtents is what the free-space scan must not hand out: live keys
// plus extents waiting for the next sync.
func (b *openBasis) usedExtents() []pagetable.Extent {
	return append(b.cat.UsedExtents(), b.pendingExtents...)
}

// lastRev is the highest revision known for virt in this session.
func (b *openBasis) lastRev(virt pagetable.VirtAddr) uint32 {
	r := b.floor[virt]
	if m, ok := b.pages[virt]; ok && m.rev > r {
		r = m.rev
	}
	return r
}

func (b *openBasis) bumpFloor(virt pagetable.VirtAddr, rev uint32) {
	if rev > b.floor[virt] {
		b.floor[virt] = rev
	}
}

func (b *openBasis) wipe() {
	b.keys.Wipe()
	b.pages = nil
}
