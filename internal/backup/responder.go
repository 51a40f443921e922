package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ChunkSize is the payload carried by one response or restore frame.
const ChunkSize = 64 * 1024

// payloadOverhead is room for the CBOR framing and device ID around an image.
const payloadOverhead = 4096

// Store is the device side of a transfer.
type Store interface {
	Image(ctx context.Context) ([]byte, error)
	RestoreImage(ctx context.Context, img []byte) error
	DeviceID() []byte
	// ImageSize is the byte size of a full image of the medium.
	ImageSize() int64
}

// Responder answers chunk requests on the device. It holds at most one
// transfer at a time. It never sees the backup passphrase; the client seals
// and opens archives, and the responder only adds and checks the device
// binding.
type Responder struct {
	lg    *zap.Logger
	store Store

	mu      sync.Mutex
	out     []byte
	outSeq  uint32
	in      bytes.Buffer
	inSeq   uint32
	restore bool
}

func NewResponder(lg *zap.Logger, store Store) *Responder {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Responder{lg: lg.Named("backup"), store: store}
}

// Handle decodes one request frame and returns the encoded response. Errors
// travel inside the response; only encoding failures are returned.
func (r *Responder) Handle(ctx context.Context, frame []byte) ([]byte, error) {
	var req ChunkRequest
	if err := DecodeFrame(frame, &req); err != nil {
		return EncodeFrame(ChunkResponse{Err: err.Error()})
	}
	resp, err := r.step(ctx, req)
	if err != nil {
		r.lg.Warn("backup step failed", zap.Uint8("op", uint8(req.Op)), zap.Uint32("seq", req.Seq), zap.Error(err))
		resp = ChunkResponse{Seq: req.Seq, Err: err.Error()}
	}
	return EncodeFrame(resp)
}

// Exchange lets a Responder serve as an in-process Channel.
func (r *Responder) Exchange(ctx context.Context, frame []byte) ([]byte, error) {
	return r.Handle(ctx, frame)
}

func (r *Responder) step(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch req.Op {
	case OpBackupBegin:
		r.reset()
		blob, err := r.store.Image(ctx)
		if err != nil {
			return ChunkResponse{}, err
		}
		sealed, err := wrapDevice(r.store.DeviceID(), blob)
		if err != nil {
			return ChunkResponse{}, err
		}
		r.out = sealed
		r.lg.Info("backup started", zap.Int("bytes", len(sealed)))
		return r.next(0)
	case OpBackupNext:
		if r.out == nil {
			return ChunkResponse{}, ErrState
		}
		return r.next(req.Seq)
	case OpRestoreBegin:
		r.reset()
		r.restore = true
		return ChunkResponse{Seq: 0, Status: StatusContinue}, nil
	case OpRestoreChunk:
		if !r.restore {
			return ChunkResponse{}, ErrState
		}
		if req.Seq != r.inSeq {
			return ChunkResponse{}, fmt.Errorf("%w: got %d, want %d", ErrSequence, req.Seq, r.inSeq)
		}
		if limit := r.store.ImageSize() + payloadOverhead; int64(r.in.Len()+len(req.Data)) > limit {
			r.reset()
			return ChunkResponse{}, fmt.Errorf("%w: restore exceeds %d bytes", ErrFrame, limit)
		}
		r.in.Write(req.Data)
		r.inSeq++
		return ChunkResponse{Seq: req.Seq, Status: StatusContinue}, nil
	case OpRestoreCommit:
		if !r.restore {
			return ChunkResponse{}, ErrState
		}
		defer r.reset()
		img, err := unwrapDevice(r.store.DeviceID(), r.in.Bytes())
		if err != nil {
			return ChunkResponse{}, err
		}
		if err := r.store.RestoreImage(ctx, img); err != nil {
			return ChunkResponse{}, err
		}
		r.lg.Info("restore committed", zap.Uint32("chunks", r.inSeq))
		return ChunkResponse{Seq: req.Seq, Status: StatusCanary}, nil
	default:
		return ChunkResponse{}, fmt.Errorf("%w: unknown op %d", ErrFrame, req.Op)
	}
}

func (r *Responder) next(seq uint32) (ChunkResponse, error) {
	if seq != r.outSeq {
		return ChunkResponse{}, fmt.Errorf("%w: got %d, want %d", ErrSequence, seq, r.outSeq)
	}
	start := int(seq) * ChunkSize
	end := start + ChunkSize
	status := StatusContinue
	if end >= len(r.out) {
		end = len(r.out)
		status = StatusCanary
	}
	resp := ChunkResponse{Seq: seq, Status: status, Data: r.out[start:end]}
	r.outSeq++
	if status == StatusCanary {
		r.out = nil
		r.outSeq = 0
	}
	return resp, nil
}

func (r *Responder) reset() {
	r.out = nil
	r.outSeq = 0
	r.in.Reset()
	r.inSeq = 0
	r.restore = false
}

// remoteError rebuilds a sentinel from a response so callers can match it
// with errors.Is.
func remoteError(msg string) error {
	for _, e := range []error{ErrFrame, ErrSequence, ErrState, ErrDevice} {
		if strings.HasPrefix(msg, e.Error()) {
			return fmt.Errorf("%w (remote: %s)", e, msg)
		}
	}
	return errors.New("backup: remote: " + msg)
}
