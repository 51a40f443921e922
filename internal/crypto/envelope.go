package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const commitNonceSize = 32

var ErrCommitment = errors.New("crypto: key commitment mismatch")

// Committed is a key-committing envelope: the commitment pins the key, so a
// ciphertext cannot be made to open under two different keys.
type Committed struct {
	Nonce       []byte `cbor:"1,keyasint" json:"nonce"`
	Ciphertext  []byte `cbor:"2,keyasint" json:"ct"`
	CommitNonce []byte `cbor:"3,keyasint" json:"commit_nonce"`
	Commitment  []byte `cbor:"4,keyasint" json:"commitment"`
}

// SealCommitted derives an encryption key and a commitment from key with
// HKDF-SHA256 over a random commitment nonce, then seals with
// XChaCha20-Poly1305.
func SealCommitted(key, plaintext, aad []byte) (Committed, error) {
	if len(key) == 0 {
		return Committed{}, errors.New("crypto: empty key")
	}
	cn := make([]byte, commitNonceSize)
	if _, err := rand.Read(cn); err != nil {
		return Committed{}, err
	}
	encKey, commitment, err := deriveCommitted(key, cn)
	if err != nil {
		return Committed{}, err
	}
	defer Zero(encKey)

	nonce, ct, err := SealX(encKey, plaintext, aad)
	if err != nil {
		return Committed{}, err
	}
	return Committed{Nonce: nonce, Ciphertext: ct, CommitNonce: cn, Commitment: commitment}, nil
}

// OpenCommitted checks the commitment before attempting decryption.
func OpenCommitted(key []byte, c Committed, aad []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("crypto: empty key")
	}
	if len(c.CommitNonce) != commitNonceSize {
		return nil, ErrCommitment
	}
	encKey, commitment, err := deriveCommitted(key, c.CommitNonce)
	if err != nil {
		return nil, err
	}
	defer Zero(encKey)
	if subtle.ConstantTimeCompare(commitment, c.Commitment) != 1 {
		return nil, ErrCommitment
	}
	return OpenX(encKey, c.Nonce, c.Ciphertext, aad)
}

func deriveCommitted(key, salt []byte) (encKey, commitment []byte, err error) {
	stream := hkdf.New(sha256.New, key, salt, []byte("pddb/backup/v1"))
	encKey = make([]byte, 32)
	commitment = make([]byte, 32)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, commitment); err != nil {
		return nil, nil, err
	}
	return encKey, commitment, nil
}
