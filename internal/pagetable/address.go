package pagetable

import (
	"errors"
	"fmt"

	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

const (
	PageSize  = storage.PageSize
	pageShift = 12
)

var ErrUnaligned = errors.New("pagetable: address is not page aligned")

// VirtAddr is a page-aligned address inside one basis' virtual space.
type VirtAddr uint64

// PhysAddr is a page-aligned byte offset on the medium.
type PhysAddr uint64

// NewVirtAddr checks alignment of a virtual address read from a record or
// page header.
func NewVirtAddr(v uint64) (VirtAddr, error) {
	if v%PageSize != 0 {
		return 0, fmt.Errorf("%w: virt %#x", ErrUnaligned, v)
	}
	return VirtAddr(v), nil
}

// PhysFromPage is the only way to make a PhysAddr: page numbers are aligned
// by construction.
func PhysFromPage(page uint64) PhysAddr { return PhysAddr(page << pageShift) }

func (p PhysAddr) Page() uint64              { return uint64(p) >> pageShift }
func (p PhysAddr) Offset() int64             { return int64(p) }
func (p PhysAddr) String() string            { return fmt.Sprintf("phys:%#x", uint64(p)) }
func (v VirtAddr) Page() uint64              { return uint64(v) >> pageShift }
func (v VirtAddr) Add(pages uint64) VirtAddr { return v + VirtAddr(pages<<pageShift) }
func (v VirtAddr) String() string            { return fmt.Sprintf("virt:%#x", uint64(v)) }

// Extent is a run of whole virtual pages. Pages is never zero for a real extent.
type Extent struct {
	Start VirtAddr
	Pages uint64
}

func (e Extent) End() VirtAddr { return e.Start.Add(e.Pages) }

func (e Extent) Overlaps(o Extent) bool {
	return e.Pages > 0 && o.Pages > 0 && e.Start < o.End() && o.Start < e.End()
}

func (e Extent) Contains(v VirtAddr) bool { return v >= e.Start && v < e.End() }
