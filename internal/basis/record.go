package basis

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
)

const (
	Version = 1

	// PageHeaderSize is the sealed per-page header in front of the body.
	PageHeaderSize = 32
	// DataPerPage is what one virtual page carries once the page header and
	// body tag are paid for.
	DataPerPage = pagetable.PageSize - PageHeaderSize - crypto.TagSize

	NameLen    = 64
	KeyNameLen = 256

	RootVirt     = pagetable.VirtAddr(0)
	RootMaxPages = 255
	DictStart    = pagetable.VirtAddr(0x0100_0000)
	DictStride   = 0x0100_0000
	MaxDicts     = 16384
	KeyDataStart = pagetable.VirtAddr(0x100_0000_0000)
	KeyDataLimit = pagetable.VirtAddr(1 << 62)
)

var (
	// ErrInvalid covers every reason a record fails to open. Callers must not
	// be able to tell a wrong key from random free space.
	ErrInvalid       = errors.New("basis: record invalid")
	ErrDuplicateName = errors.New("basis: duplicate name")
	ErrInvalidName   = errors.New("basis: invalid name")
	ErrTooLarge      = errors.New("basis: record too large")
	ErrNotFound      = errors.New("basis: not found")
)

// DictVirt is the virtual address of dictionary slot i.
func DictVirt(slot uint32) pagetable.VirtAddr {
	return DictStart + pagetable.VirtAddr(uint64(slot)*DictStride)
}

// PagesFor is the number of virtual pages needed to hold n data bytes.
func PagesFor(n uint64) uint64 {
	pages := n / DataPerPage
	if n%DataPerPage != 0 {
		pages++
	}
	return pages
}

// RecordPages is how many virtual pages a record with a body of n bytes
// occupies once nonce and tag are added.
func RecordPages(n int) int {
	return int(PagesFor(uint64(crypto.NonceSize + n + crypto.TagSize)))
}

// ValidateName rejects empty names, names over max bytes and names holding
// NUL, which is the on-disk padding byte.
func ValidateName(name string, max int) error {
	if name == "" || len(name) > max {
		return fmt.Errorf("%w: length %d", ErrInvalidName, len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return fmt.Errorf("%w: contains NUL", ErrInvalidName)
		}
	}
	return nil
}

// sealRecord lays out nonce || seal(body || pad) || tag so the result is a
// whole number of DataPerPage chunks.
func sealRecord(key, body, aad []byte, maxPages int) ([]byte, error) {
	pages := RecordPages(len(body))
	if pages > maxPages {
		return nil, fmt.Errorf("%w: %d pages", ErrTooLarge, pages)
	}
	aead, err := crypto.NewSIV(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, pages*DataPerPage-crypto.NonceSize-crypto.TagSize)
	copy(plain, body)

	out := make([]byte, crypto.NonceSize, pages*DataPerPage)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:crypto.NonceSize], plain, aad), nil
}

func openRecord(key, rec, aad []byte) ([]byte, error) {
	if len(rec) < crypto.NonceSize+crypto.TagSize || len(rec)%DataPerPage != 0 {
		return nil, ErrInvalid
	}
	aead, err := crypto.NewSIV(key)
	if err != nil {
		return nil, ErrInvalid
	}
	plain, err := aead.Open(nil, rec[:crypto.NonceSize], rec[crypto.NonceSize:], aad)
	if err != nil {
		return nil, ErrInvalid
	}
	return plain, nil
}

func recordAAD(name string, version uint16, deviceID []byte, extra ...byte) []byte {
	b := make([]byte, 0, len(name)+2+len(deviceID)+len(extra))
	b = append(b, name...)
	b = append(b, byte(version>>8), byte(version))
	b = append(b, deviceID...)
	return append(b, extra...)
}

func satInc(v uint32) uint32 {
	if v == ^uint32(0) {
		return v
	}
	return v + 1
}
