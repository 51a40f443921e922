package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	SaltSize  = 16
	KeySize   = 32
	IVSize    = 16
	stretched = KeySize + IVSize

	// MaxKDFMemory (KiB) and MaxKDFTime bound parameters read from untrusted
	// input such as a backup archive.
	MaxKDFMemory = 4 * 1024 * 1024
	MaxKDFTime   = 64
)

var ErrKDFParams = errors.New("crypto: invalid kdf parameters")

// KDFParams are the argon2id cost settings used to stretch a basis password.
type KDFParams struct {
	M uint32 `json:"memory_kib"`
	T uint32 `json:"time"`
	P uint8  `json:"threads"`
}

// Validate checks p against what argon2id accepts and against the upper
// bounds above.
func (p KDFParams) Validate() error {
	switch {
	case p.T == 0 || p.P == 0:
		return fmt.Errorf("%w: time and threads must be positive", ErrKDFParams)
	case p.M < 8*uint32(p.P):
		return fmt.Errorf("%w: memory below 8 KiB per thread", ErrKDFParams)
	case p.M > MaxKDFMemory || p.T > MaxKDFTime:
		return fmt.Errorf("%w: cost above limit", ErrKDFParams)
	}
	return nil
}

func DefaultDesktopKDF() KDFParams {
	return KDFParams{M: 256 * 1024, T: 3, P: 4}
}

func DefaultMobileKDF() KDFParams {
	return KDFParams{M: 64 * 1024, T: 3, P: 2}
}

// FastKDF is only suitable for tests.
func FastKDF() KDFParams {
	return KDFParams{M: 64, T: 1, P: 1}
}

// CombineSalt folds the basis name into the on-disk salt. The name is never
// written anywhere, so a password guess must be paired with a name guess.
func CombineSalt(salt [SaltSize]byte, name string) [SaltSize]byte {
	out := salt
	for i := 0; i < len(name); i++ {
		out[i%SaltSize] ^= name[i]
	}
	return out
}

// BasisKeys is the key material for one mounted basis. All slices alias a
// single locked buffer; call Wipe when the basis is unmounted.
type BasisKeys struct {
	buf    []byte
	locked bool
}

const (
	offKey    = 0
	offIV     = offKey + KeySize
	offPage   = offIV + IVSize
	offHeader = offPage + KeySize
	offRecord = offHeader + KeySize
	keysLen   = offRecord + KeySize
)

// DeriveBasisKeys stretches password over (salt XOR name) into a 32-byte
// AEAD key and a 16-byte IV, then expands per-purpose subkeys with HKDF.
func DeriveBasisKeys(password []byte, salt [SaltSize]byte, name string, p KDFParams) (*BasisKeys, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	combined := CombineSalt(salt, name)
	raw := argon2.IDKey(password, combined[:], p.T, p.M, p.P, stretched)
	defer Zero(raw)

	k := &BasisKeys{buf: make([]byte, keysLen)}
	k.locked = LockMemory(k.buf) == nil
	copy(k.buf[offKey:], raw[:KeySize])
	copy(k.buf[offIV:], raw[KeySize:])

	for _, sub := range []struct {
		off  int
		info string
	}{
		{offPage, "pddb/page/v1"},
		{offHeader, "pddb/header/v1"},
		{offRecord, "pddb/record/v1"},
	} {
		r := hkdf.New(sha256.New, k.Key(), k.IV(), []byte(sub.info))
		if _, err := io.ReadFull(r, k.buf[sub.off:sub.off+KeySize]); err != nil {
			k.Wipe()
			return nil, err
		}
	}
	return k, nil
}

func (k *BasisKeys) Key() []byte { return k.buf[offKey : offKey+KeySize] }

// IV doubles as the basis owner identity mixed into every page nonce.
func (k *BasisKeys) IV() []byte        { return k.buf[offIV : offIV+IVSize] }
func (k *BasisKeys) PageKey() []byte   { return k.buf[offPage : offPage+KeySize] }
func (k *BasisKeys) HeaderKey() []byte { return k.buf[offHeader : offHeader+KeySize] }
func (k *BasisKeys) RecordKey() []byte { return k.buf[offRecord : offRecord+KeySize] }

func (k *BasisKeys) Wipe() {
	if k == nil || k.buf == nil {
		return
	}
	Zero(k.buf)
	if k.locked {
		_ = UnlockMemory(k.buf)
	}
	k.buf = nil
}

// DeriveBackupKey stretches a backup passphrase. The salt travels in the
// clear next to the archive it protects.
func DeriveBackupKey(passphrase, salt []byte, p KDFParams) ([KeySize]byte, error) {
	var k [KeySize]byte
	if err := p.Validate(); err != nil {
		return k, err
	}
	raw := argon2.IDKey(passphrase, salt, p.T, p.M, p.P, KeySize)
	copy(k[:], raw)
	Zero(raw)
	return k, nil
}
