package basis

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

const (
	dictMagic    = "DICT"
	dictFixed    = 4 + 1 + NameLen + 4 + 4 + 4
	dictMaxPages = DictStride / pagetable.PageSize
	btreeDegree  = 32
)

// Dictionary is a sorted index of key records living in one slot.
type Dictionary struct {
	Name string
	Slot uint32
	Rev  uint32
	Age  uint32

	keys *btree.BTree
}

func NewDictionary(name string, slot uint32) *Dictionary {
	return &Dictionary{Name: name, Slot: slot, keys: btree.New(btreeDegree)}
}

func (d *Dictionary) Virt() pagetable.VirtAddr { return DictVirt(d.Slot) }
func (d *Dictionary) Len() int                 { return d.keys.Len() }

// Touch records a mutation of the dictionary.
func (d *Dictionary) Touch() {
	d.Rev = satInc(d.Rev)
	d.Age = satInc(d.Age)
}

func (d *Dictionary) FindKey(name string) (*KeyRecord, bool) {
	it := d.keys.Get(&KeyRecord{Name: name})
	if it == nil {
		return nil, false
	}
	return it.(*KeyRecord), true
}

// AddKey inserts a new key record.
func (d *Dictionary) AddKey(k KeyRecord) (*KeyRecord, error) {
	if err := ValidateName(k.Name, KeyNameLen); err != nil {
		return nil, err
	}
	if _, ok := d.FindKey(k.Name); ok {
		return nil, fmt.Errorf("%w: key", ErrDuplicateName)
	}
	rec := k
	d.keys.ReplaceOrInsert(&rec)
	d.Touch()
	return &rec, nil
}

func (d *Dictionary) RemoveKey(name string) (KeyRecord, bool) {
	it := d.keys.Delete(&KeyRecord{Name: name})
	if it == nil {
		return KeyRecord{}, false
	}
	d.Touch()
	return *it.(*KeyRecord), true
}

// Keys returns copies of every record in name order.
func (d *Dictionary) Keys() []KeyRecord {
	out := make([]KeyRecord, 0, d.keys.Len())
	d.keys.Ascend(func(it btree.Item) bool {
		out = append(out, *it.(*KeyRecord))
		return true
	})
	return out
}

// Extents lists the data extents of every key that has one.
func (d *Dictionary) Extents() []pagetable.Extent {
	var out []pagetable.Extent
	d.keys.Ascend(func(it btree.Item) bool {
		if e := it.(*KeyRecord).Extent(); e.Pages > 0 {
			out = append(out, e)
		}
		return true
	})
	return out
}

func (d *Dictionary) body() []byte {
	b := make([]byte, 0, dictFixed+d.keys.Len()*KeyRecordSize)
	b = append(b, dictMagic...)
	b = append(b, byte(len(d.Name)))
	var name [NameLen]byte
	copy(name[:], d.Name)
	b = append(b, name[:]...)
	b = binary.BigEndian.AppendUint32(b, d.Rev)
	b = binary.BigEndian.AppendUint32(b, d.Age)
	b = binary.BigEndian.AppendUint32(b, uint32(d.keys.Len()))
	d.keys.Ascend(func(it btree.Item) bool {
		b = it.(*KeyRecord).appendTo(b)
		return true
	})
	return b
}

// EncodeDictionary seals a dictionary record. Its associated data binds the
// owning basis name, version, device and slot.
func EncodeDictionary(d *Dictionary, keys *crypto.BasisKeys, basisName string, deviceID []byte) ([]byte, error) {
	if err := ValidateName(d.Name, NameLen); err != nil {
		return nil, err
	}
	return sealRecord(keys.RecordKey(), d.body(), dictAAD(basisName, deviceID, d.Slot), dictMaxPages)
}

func DecodeDictionary(rec []byte, keys *crypto.BasisKeys, basisName string, slot uint32, deviceID []byte) (*Dictionary, error) {
	plain, err := openRecord(keys.RecordKey(), rec, dictAAD(basisName, deviceID, slot))
	if err != nil {
		return nil, ErrInvalid
	}
	if len(plain) < dictFixed || string(plain[:4]) != dictMagic {
		return nil, ErrInvalid
	}
	n := int(plain[4])
	if n == 0 || n > NameLen {
		return nil, ErrInvalid
	}
	d := NewDictionary(string(plain[5:5+n]), slot)
	off := 5 + NameLen
	d.Rev = binary.BigEndian.Uint32(plain[off:])
	d.Age = binary.BigEndian.Uint32(plain[off+4:])
	count := int(binary.BigEndian.Uint32(plain[off+8:]))
	off += 12
	if count < 0 || count > (len(plain)-off)/KeyRecordSize {
		return nil, ErrInvalid
	}
	for i := 0; i < count; i++ {
		k, ok := decodeKeyRecord(plain[off:])
		if !ok {
			return nil, ErrInvalid
		}
		if d.keys.ReplaceOrInsert(&k) != nil {
			return nil, ErrInvalid
		}
		off += KeyRecordSize
	}
	return d, nil
}

func dictAAD(basisName string, deviceID []byte, slot uint32) []byte {
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], slot)
	return recordAAD(basisName, Version, deviceID, s[:]...)
}
