package basis

import (
	"bytes"
	"encoding/binary"

	"github.com/google/btree"

	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

// KeyRecordSize is the packed on-disk size of one key record.
const KeyRecordSize = KeyNameLen + 4 + 4 + 8 + 8

// KeyRecord describes one value. Its data lives in the extent starting at
// Vaddr; Reserved is an allocation hint kept for the session only.
type KeyRecord struct {
	Name     string
	Rev      uint32
	Age      uint32
	Len      uint64
	Vaddr    pagetable.VirtAddr
	Reserved uint64
}

func (k *KeyRecord) Less(than btree.Item) bool {
	return k.Name < than.(*KeyRecord).Name
}

// Pages is the extent size: enough for the value or the hint, whichever is
// larger.
func (k KeyRecord) Pages() uint64 {
	p := PagesFor(k.Len)
	if k.Reserved > p {
		p = k.Reserved
	}
	return p
}

func (k KeyRecord) Extent() pagetable.Extent {
	if k.Vaddr == 0 {
		return pagetable.Extent{}
	}
	return pagetable.Extent{Start: k.Vaddr, Pages: k.Pages()}
}

// Fits reports whether n bytes fit in the current extent without moving.
func (k KeyRecord) Fits(n uint64) bool {
	return k.Vaddr != 0 && PagesFor(n) <= k.Pages()
}

// Bump advances the revision, saturating at the top.
func (k *KeyRecord) Bump() { k.Rev = satInc(k.Rev) }

func (k KeyRecord) appendTo(b []byte) []byte {
	var name [KeyNameLen]byte
	copy(name[:], k.Name)
	b = append(b, name[:]...)
	b = binary.BigEndian.AppendUint32(b, k.Rev)
	b = binary.BigEndian.AppendUint32(b, k.Age)
	b = binary.BigEndian.AppendUint64(b, k.Len)
	return binary.BigEndian.AppendUint64(b, uint64(k.Vaddr))
}

func decodeKeyRecord(b []byte) (KeyRecord, bool) {
	if len(b) < KeyRecordSize {
		return KeyRecord{}, false
	}
	name := b[:KeyNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return KeyRecord{}, false
	}
	vaddr, err := pagetable.NewVirtAddr(binary.BigEndian.Uint64(b[KeyNameLen+16:]))
	if err != nil || (vaddr != 0 && (vaddr < KeyDataStart || vaddr >= KeyDataLimit)) {
		return KeyRecord{}, false
	}
	k := KeyRecord{
		Name:  string(name),
		Rev:   binary.BigEndian.Uint32(b[KeyNameLen:]),
		Age:   binary.BigEndian.Uint32(b[KeyNameLen+4:]),
		Len:   binary.BigEndian.Uint64(b[KeyNameLen+8:]),
		Vaddr: vaddr,
	}
	return k, true
}
