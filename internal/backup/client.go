package backup

import (
	"context"
	"fmt"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
)

// Channel carries one request frame to the device and brings back the
// response frame.
type Channel interface {
	Exchange(ctx context.Context, frame []byte) ([]byte, error)
}

// Client drives a transfer from the host side. Passphrases stay here.
type Client struct {
	ch  Channel
	kdf crypto.KDFParams
}

func NewClient(ch Channel, kdf crypto.KDFParams) *Client {
	return &Client{ch: ch, kdf: kdf}
}

func (c *Client) call(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	frame, err := EncodeFrame(req)
	if err != nil {
		return ChunkResponse{}, err
	}
	raw, err := c.ch.Exchange(ctx, frame)
	if err != nil {
		return ChunkResponse{}, err
	}
	var resp ChunkResponse
	if err := DecodeFrame(raw, &resp); err != nil {
		return ChunkResponse{}, err
	}
	if resp.Err != "" {
		return ChunkResponse{}, remoteError(resp.Err)
	}
	if resp.Seq != req.Seq {
		return ChunkResponse{}, fmt.Errorf("%w: reply %d to request %d", ErrSequence, resp.Seq, req.Seq)
	}
	return resp, nil
}

// Pull fetches the device-bound payload without sealing it.
func (c *Client) Pull(ctx context.Context) ([]byte, error) {
	var out []byte
	req := ChunkRequest{Op: OpBackupBegin}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.call(ctx, req)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		switch resp.Status {
		case StatusCanary:
			return out, nil
		case StatusContinue:
			req = ChunkRequest{Op: OpBackupNext, Seq: req.Seq + 1}
		default:
			return nil, fmt.Errorf("%w: status %#x", ErrFrame, resp.Status)
		}
	}
}

// Push streams a payload to the device and commits it.
func (c *Client) Push(ctx context.Context, payload []byte) error {
	if _, err := c.call(ctx, ChunkRequest{Op: OpRestoreBegin}); err != nil {
		return err
	}
	var seq uint32
	for off := 0; off < len(payload); off += ChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+ChunkSize, len(payload))
		if _, err := c.call(ctx, ChunkRequest{Op: OpRestoreChunk, Seq: seq, Data: payload[off:end]}); err != nil {
			return err
		}
		seq++
	}
	resp, err := c.call(ctx, ChunkRequest{Op: OpRestoreCommit, Seq: seq})
	if err != nil {
		return err
	}
	if resp.Status != StatusCanary {
		return fmt.Errorf("%w: commit status %#x", ErrFrame, resp.Status)
	}
	return nil
}

// Backup pulls the device image and seals it under passphrase.
func (c *Client) Backup(ctx context.Context, passphrase []byte) ([]byte, error) {
	payload, err := c.Pull(ctx)
	if err != nil {
		return nil, err
	}
	return Seal(passphrase, payload, c.kdf)
}

// Restore opens an archive and writes it back to the device it came from.
func (c *Client) Restore(ctx context.Context, passphrase, archive []byte) error {
	payload, err := Open(passphrase, archive)
	if err != nil {
		return err
	}
	defer crypto.Zero(payload)
	return c.Push(ctx, payload)
}
