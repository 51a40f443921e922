package basis

import (
	"fmt"
	"sort"

	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

// Basis is the in-memory catalog of one mounted basis: its root and the
// dictionaries it holds, addressed by name and by slot.
type Basis struct {
	Root   Root
	byName map[string]*Dictionary
	bySlot map[uint32]*Dictionary
}

func New(root Root) *Basis {
	return &Basis{Root: root, byName: map[string]*Dictionary{}, bySlot: map[uint32]*Dictionary{}}
}

func (b *Basis) Dictionary(name string) (*Dictionary, bool) {
	d, ok := b.byName[name]
	return d, ok
}

func (b *Basis) DictionaryBySlot(slot uint32) (*Dictionary, bool) {
	d, ok := b.bySlot[slot]
	return d, ok
}

// AddDictionary creates an empty dictionary in the lowest free slot.
func (b *Basis) AddDictionary(name string) (*Dictionary, error) {
	if err := ValidateName(name, NameLen); err != nil {
		return nil, err
	}
	if _, ok := b.byName[name]; ok {
		return nil, fmt.Errorf("%w: dictionary", ErrDuplicateName)
	}
	slot := uint32(0)
	for ; slot < MaxDicts; slot++ {
		if _, used := b.bySlot[slot]; !used {
			break
		}
	}
	if slot == MaxDicts {
		return nil, fmt.Errorf("%w: dictionary table full", ErrTooLarge)
	}
	d := NewDictionary(name, slot)
	if err := b.Attach(d); err != nil {
		return nil, err
	}
	b.Root.Touch()
	return d, nil
}

// Attach adds a dictionary loaded from the medium.
func (b *Basis) Attach(d *Dictionary) error {
	if _, ok := b.byName[d.Name]; ok {
		return fmt.Errorf("%w: dictionary", ErrDuplicateName)
	}
	if _, ok := b.bySlot[d.Slot]; ok || d.Slot >= MaxDicts {
		return fmt.Errorf("%w: slot %d", ErrInvalid, d.Slot)
	}
	b.byName[d.Name] = d
	b.bySlot[d.Slot] = d
	b.syncCounts()
	return nil
}

func (b *Basis) RemoveDictionary(name string) (*Dictionary, bool) {
	d, ok := b.byName[name]
	if !ok {
		return nil, false
	}
	delete(b.byName, name)
	delete(b.bySlot, d.Slot)
	b.syncCounts()
	b.Root.Touch()
	return d, true
}

func (b *Basis) syncCounts() {
	b.Root.DictCount = uint32(len(b.bySlot))
	b.Root.DictSlots = 0
	b.Root.Slots = b.Root.Slots[:0]
	for s := range b.bySlot {
		b.Root.Slots = append(b.Root.Slots, s)
		if s+1 > b.Root.DictSlots {
			b.Root.DictSlots = s + 1
		}
	}
	sort.Slice(b.Root.Slots, func(i, j int) bool { return b.Root.Slots[i] < b.Root.Slots[j] })
}

// Dictionaries returns every dictionary in name order.
func (b *Basis) Dictionaries() []*Dictionary {
	out := make([]*Dictionary, 0, len(b.byName))
	for _, d := range b.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UsedExtents lists every key-data extent across all dictionaries.
func (b *Basis) UsedExtents() []pagetable.Extent {
	var out []pagetable.Extent
	for _, d := range b.byName {
		out = append(out, d.Extents()...)
	}
	return out
}

// Live reports whether virt belongs to the root, a dictionary record of
// the given page count, or a key extent.
func (b *Basis) Live(virt pagetable.VirtAddr, rootPages int, dictPages map[uint32]int) bool {
	switch {
	case virt < DictStart:
		return virt.Page() < uint64(rootPages)
	case virt < KeyDataStart:
		off := uint64(virt - DictStart)
		slot := uint32(off / DictStride)
		if _, ok := b.bySlot[slot]; !ok {
			return false
		}
		return (off%DictStride)/pagetable.PageSize < uint64(dictPages[slot])
	}
	for _, d := range b.byName {
		for _, e := range d.Extents() {
			if e.Contains(virt) {
				return true
			}
		}
	}
	return false
}
