package backup

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrame bounds a single length-prefixed frame.
const MaxFrame = 1 << 20

var (
	ErrFrame    = errors.New("backup: malformed frame")
	ErrSequence = errors.New("backup: chunk out of sequence")
	ErrState    = errors.New("backup: no transfer in progress")
	ErrDevice   = errors.New("backup: archive belongs to another device")
)

// Op selects what a request frame asks the responder to do.
type Op uint8

const (
	OpBackupBegin Op = iota + 1
	OpBackupNext
	OpRestoreBegin
	OpRestoreChunk
	OpRestoreCommit
)

// Chunk responses carry StatusContinue while more chunks follow and
// StatusCanary on the last one.
const (
	StatusContinue uint32 = 1
	StatusCanary   uint32 = 0xCA_4A_27_00
)

type ChunkRequest struct {
	Op   Op     `cbor:"1,keyasint"`
	Seq  uint32 `cbor:"2,keyasint"`
	Data []byte `cbor:"3,keyasint,omitempty"`
}

type ChunkResponse struct {
	Seq    uint32 `cbor:"1,keyasint"`
	Status uint32 `cbor:"2,keyasint"`
	Data   []byte `cbor:"3,keyasint,omitempty"`
	Err    string `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1024}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeFrame serializes v as CBOR behind a 4-byte big-endian length.
func EncodeFrame(v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrame, len(body))
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

// DecodeFrame checks the length prefix and decodes the CBOR body into v.
func DecodeFrame(frame []byte, v any) error {
	if len(frame) < 4 {
		return fmt.Errorf("%w: short frame", ErrFrame)
	}
	n := binary.BigEndian.Uint32(frame)
	if n > MaxFrame || int(n) != len(frame)-4 {
		return fmt.Errorf("%w: length %d for %d bytes", ErrFrame, n, len(frame)-4)
	}
	if err := decMode.Unmarshal(frame[4:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrFrame, err)
	}
	return nil
}
