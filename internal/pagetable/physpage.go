package pagetable

import "fmt"

// SpaceState is the allocation state of a physical page.
type SpaceState uint8

const (
	SpaceFree SpaceState = iota
	SpaceReserved
	SpaceUsed
	SpaceDirty
)

func (s SpaceState) String() string {
	switch s {
	case SpaceFree:
		return "free"
	case SpaceReserved:
		return "reserved"
	case SpaceUsed:
		return "used"
	case SpaceDirty:
		return "dirty"
	}
	return fmt.Sprintf("SpaceState(%d)", uint8(s))
}

// PhysPage packs the tracker's view of one physical page into a uint64:
//
//	bits 0-3   journal revision, saturating
//	bits 4-5   space state
//	bit  6     clean (erased, programmable)
//	bit  7     valid (contents authenticated by an open basis)
//	bits 8-11  reserved, zero
//	bits 12-63 page number
//
// Booleans map true to 1. Equal and Key look only at the page number.
type PhysPage uint64

const (
	revMask    = 0xF
	stateShift = 4
	stateMask  = 0x3 << stateShift
	cleanBit   = 1 << 6
	validBit   = 1 << 7
	metaMask   = 0xFFF

	// MaxRevision is where the revision field saturates.
	MaxRevision = revMask
	// MaxPageNumber is the widest page number the record can carry.
	MaxPageNumber = (1 << (64 - pageShift)) - 1
)

func NewPhysPage(page uint64) PhysPage {
	return PhysPage(page << pageShift)
}

func (p PhysPage) PageNumber() uint64 { return uint64(p) >> pageShift }
func (p PhysPage) Addr() PhysAddr     { return PhysFromPage(p.PageNumber()) }
func (p PhysPage) Revision() uint8    { return uint8(p & revMask) }
func (p PhysPage) State() SpaceState  { return SpaceState((p & stateMask) >> stateShift) }
func (p PhysPage) Clean() bool        { return p&cleanBit != 0 }
func (p PhysPage) Valid() bool        { return p&validBit != 0 }

// Key identifies the page regardless of its metadata bits.
func (p PhysPage) Key() uint64 { return p.PageNumber() }

func (p PhysPage) Equal(o PhysPage) bool { return p.PageNumber() == o.PageNumber() }

func (p PhysPage) WithRevision(r uint8) PhysPage {
	if r > MaxRevision {
		r = MaxRevision
	}
	return p&^revMask | PhysPage(r)
}

// BumpRevision increments the revision, sticking at MaxRevision.
func (p PhysPage) BumpRevision() PhysPage {
	r := p.Revision()
	if r == MaxRevision {
		return p
	}
	return p.WithRevision(r + 1)
}

func (p PhysPage) WithState(s SpaceState) PhysPage {
	return p&^stateMask | PhysPage(s&0x3)<<stateShift
}

func (p PhysPage) WithClean(c bool) PhysPage {
	if c {
		return p | cleanBit
	}
	return p &^ cleanBit
}

func (p PhysPage) WithValid(v bool) PhysPage {
	if v {
		return p | validBit
	}
	return p &^ validBit
}

// Meta returns the low metadata bits, for tests and diagnostics.
func (p PhysPage) Meta() uint16 { return uint16(p & metaMask) }

func (p PhysPage) String() string {
	return fmt.Sprintf("page %d %s clean=%t valid=%t rev=%d", p.PageNumber(), p.State(), p.Clean(), p.Valid(), p.Revision())
}
