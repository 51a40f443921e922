package basis

import (
	"encoding/binary"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

const (
	rootMagic = "BASE"
	rootFixed = 4 + 2 + 1 + NameLen + 4 + 8 + 4 + 4
)

// Root is the per-basis metadata record stored at virtual address 0.
type Root struct {
	Name      string
	Version   uint16
	Age       uint32
	Boundary  pagetable.VirtAddr
	DictSlots uint32
	DictCount uint32
	// Slots lists live dictionary slots in ascending order. It is stored as
	// a bitmap of DictSlots bits; a slot missing here is dead even if stale
	// pages for it are still on the medium.
	Slots []uint32
}

func NewRoot(name string) Root {
	return Root{Name: name, Version: Version, Boundary: KeyDataStart}
}

// Touch records a structural change.
func (r *Root) Touch() { r.Age = satInc(r.Age) }

func (r Root) body() []byte {
	b := make([]byte, 0, rootFixed+int(r.DictSlots+7)/8)
	b = append(b, rootMagic...)
	b = binary.BigEndian.AppendUint16(b, r.Version)
	b = append(b, byte(len(r.Name)))
	var name [NameLen]byte
	copy(name[:], r.Name)
	b = append(b, name[:]...)
	b = binary.BigEndian.AppendUint32(b, r.Age)
	b = binary.BigEndian.AppendUint64(b, uint64(r.Boundary))
	b = binary.BigEndian.AppendUint32(b, r.DictSlots)
	b = binary.BigEndian.AppendUint32(b, r.DictCount)
	bitmap := make([]byte, (r.DictSlots+7)/8)
	for _, s := range r.Slots {
		if s < r.DictSlots {
			bitmap[s/8] |= 1 << (s % 8)
		}
	}
	return append(b, bitmap...)
}

// EncodeRoot seals the root. The associated data binds the basis name, the
// format version and the device, so the record neither opens under another
// name nor survives a copy to another device.
func EncodeRoot(r Root, keys *crypto.BasisKeys, deviceID []byte) ([]byte, error) {
	if err := ValidateName(r.Name, NameLen); err != nil {
		return nil, err
	}
	return sealRecord(keys.RecordKey(), r.body(), recordAAD(r.Name, r.Version, deviceID), RootMaxPages)
}

// DecodeRoot opens a root record for the candidate name. Every failure is
// ErrInvalid.
func DecodeRoot(rec []byte, keys *crypto.BasisKeys, name string, deviceID []byte) (Root, error) {
	plain, err := openRecord(keys.RecordKey(), rec, recordAAD(name, Version, deviceID))
	if err != nil {
		return Root{}, ErrInvalid
	}
	if len(plain) < rootFixed || string(plain[:4]) != rootMagic {
		return Root{}, ErrInvalid
	}
	r := Root{Version: binary.BigEndian.Uint16(plain[4:])}
	n := int(plain[6])
	if n > NameLen || r.Version != Version {
		return Root{}, ErrInvalid
	}
	r.Name = string(plain[7 : 7+n])
	if r.Name != name {
		return Root{}, ErrInvalid
	}
	off := 7 + NameLen
	r.Age = binary.BigEndian.Uint32(plain[off:])
	boundary, err := pagetable.NewVirtAddr(binary.BigEndian.Uint64(plain[off+4:]))
	if err != nil {
		return Root{}, ErrInvalid
	}
	r.Boundary = boundary
	r.DictSlots = binary.BigEndian.Uint32(plain[off+12:])
	r.DictCount = binary.BigEndian.Uint32(plain[off+16:])
	if r.DictSlots > MaxDicts || r.DictCount > r.DictSlots || r.Boundary < KeyDataStart || r.Boundary > KeyDataLimit {
		return Root{}, ErrInvalid
	}
	bitmap := plain[rootFixed:]
	if len(bitmap) < int(r.DictSlots+7)/8 {
		return Root{}, ErrInvalid
	}
	for s := uint32(0); s < r.DictSlots; s++ {
		if bitmap[s/8]&(1<<(s%8)) != 0 {
			r.Slots = append(r.Slots, s)
		}
	}
	if uint32(len(r.Slots)) != r.DictCount {
		return Root{}, ErrInvalid
	}
	return r, nil
}
