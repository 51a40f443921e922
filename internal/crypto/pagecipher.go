package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	siv "github.com/secure-io/siv-go"
)

const (
	NonceSize = 12
	TagSize   = 16
)

// ErrAuth is the only failure an open can report. Corruption, a wrong key
// and random free space are indistinguishable on purpose.
var ErrAuth = errors.New("crypto: authentication failed")

// NewSIV returns AES-GCM-SIV keyed with a 32-byte key (AES-256).
func NewSIV(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("crypto: AES-256-GCM-SIV needs a 32-byte key")
	}
	return siv.NewGCM(key)
}

// PageCipher seals fixed-size pages with a nonce derived from where the page
// lives and how many times it has been written. Nothing random goes in, so
// a replayed power-fail write reuses a nonce only with identical inputs, a
// case GCM-SIV tolerates.
type PageCipher struct {
	aead cipher.AEAD
}

func NewPageCipher(key []byte) (*PageCipher, error) {
	a, err := NewSIV(key)
	if err != nil {
		return nil, err
	}
	return &PageCipher{aead: a}, nil
}

func pageContext(domain string, phys, virt uint64, owner []byte, rev uint32) []byte {
	b := make([]byte, 0, len(domain)+8+8+len(owner)+4)
	b = append(b, domain...)
	b = binary.BigEndian.AppendUint64(b, phys)
	b = binary.BigEndian.AppendUint64(b, virt)
	b = append(b, owner...)
	b = binary.BigEndian.AppendUint32(b, rev)
	return b
}

// PageNonce derives the 96-bit nonce for a page.
func PageNonce(phys, virt uint64, owner []byte, rev uint32) []byte {
	sum := sha256.Sum256(pageContext("pddb/nonce/v1", phys, virt, owner, rev))
	return sum[:NonceSize]
}

// Seal encrypts plain for the page at (virt, phys) written at revision rev.
func (c *PageCipher) Seal(plain []byte, virt, phys uint64, owner []byte, rev uint32) (ct, tag []byte) {
	aad := pageContext("pddb/page/v1", phys, virt, owner, rev)
	out := c.aead.Seal(nil, PageNonce(phys, virt, owner, rev), plain, aad)
	n := len(out) - TagSize
	return out[:n], out[n:]
}

func (c *PageCipher) Open(ct, tag []byte, virt, phys uint64, owner []byte, rev uint32) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, ErrAuth
	}
	aad := pageContext("pddb/page/v1", phys, virt, owner, rev)
	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := c.aead.Open(nil, PageNonce(phys, virt, owner, rev), sealed, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}

// HeaderNonce derives the nonce for a page header. Headers do not know their
// own revision before they are opened, so only placement and owner go in.
func HeaderNonce(phys uint64, owner []byte) []byte {
	sum := sha256.Sum256(pageContext("pddb/header/v1", phys, 0, owner, 0))
	return sum[:NonceSize]
}
