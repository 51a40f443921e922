package crypto

import (
	"crypto/rand"
	"errors"

	xchacha "golang.org/x/crypto/chacha20poly1305"
)

// SealX encrypts with a fresh random 192-bit nonce and returns it separately.
func SealX(key, plaintext, aad []byte) (nonce, ct []byte, err error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, xchacha.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func OpenX(key, nonce, ct, aad []byte) ([]byte, error) {
	aead, err := xchacha.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != xchacha.NonceSizeX {
		return nil, errors.New("crypto: bad nonce length")
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
