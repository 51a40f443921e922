package backup

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
)

const (
	payloadVersion = 1
	archiveVersion = 1
	saltSize       = 16
)

var ErrVersion = errors.New("backup: unsupported archive version")

// Payload is what the device hands out: the raw medium bound to the device
// it came from. The image is already ciphertext.
type Payload struct {
	Version  uint8  `cbor:"1,keyasint"`
	DeviceID []byte `cbor:"2,keyasint"`
	Image    []byte `cbor:"3,keyasint"`
}

// Archive is the sealed form kept off-device.
type Archive struct {
	Version  uint8            `cbor:"1,keyasint"`
	Salt     []byte           `cbor:"2,keyasint"`
	KDF      crypto.KDFParams `cbor:"3,keyasint"`
	Envelope crypto.Committed `cbor:"4,keyasint"`
}

func wrapDevice(id, img []byte) ([]byte, error) {
	return encMode.Marshal(Payload{Version: payloadVersion, DeviceID: id, Image: img})
}

func unwrapDevice(id, blob []byte) ([]byte, error) {
	p, err := decodePayload(blob)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(p.DeviceID, id) {
		return nil, ErrDevice
	}
	return p.Image, nil
}

func decodePayload(blob []byte) (Payload, error) {
	var p Payload
	if err := decMode.Unmarshal(blob, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrFrame, err)
	}
	if p.Version != payloadVersion {
		return Payload{}, fmt.Errorf("%w: payload v%d", ErrVersion, p.Version)
	}
	return p, nil
}

func archiveAAD(v uint8) []byte { return []byte{'p', 'd', 'd', 'b', '/', 'a', v} }

// Seal encrypts a payload under a key stretched from passphrase.
func Seal(passphrase, payload []byte, params crypto.KDFParams) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := crypto.DeriveBackupKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero32(&key)
	env, err := crypto.SealCommitted(key[:], payload, archiveAAD(archiveVersion))
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(Archive{Version: archiveVersion, Salt: salt, KDF: params, Envelope: env})
}

// Open decrypts an archive and returns the payload bytes. A wrong
// passphrase surfaces as crypto.ErrCommitment.
func Open(passphrase, blob []byte) ([]byte, error) {
	var a Archive
	if err := decMode.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("%w: archive: %v", ErrFrame, err)
	}
	if a.Version != archiveVersion {
		return nil, fmt.Errorf("%w: archive v%d", ErrVersion, a.Version)
	}
	if len(a.Salt) != saltSize {
		return nil, fmt.Errorf("%w: archive salt of %d bytes", ErrFrame, len(a.Salt))
	}
	key, err := crypto.DeriveBackupKey(passphrase, a.Salt, a.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: archive: %v", ErrFrame, err)
	}
	defer crypto.Zero32(&key)
	return crypto.OpenCommitted(key[:], a.Envelope, archiveAAD(a.Version))
}

// Inspect reports the device an opened payload belongs to and its image size.
func Inspect(payload []byte) (deviceID []byte, size int, err error) {
	p, err := decodePayload(payload)
	if err != nil {
		return nil, 0, err
	}
	return p.DeviceID, len(p.Image), nil
}
