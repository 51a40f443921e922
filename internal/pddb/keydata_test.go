package pddb

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-core-sub012/internal/basis"
)

func randValue(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPutGetAcrossPageBoundaries(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")

	for _, n := range []int{0, 1, basis.DataPerPage - 1, basis.DataPerPage, basis.DataPerPage + 1, 3*basis.DataPerPage + 17} {
		v := randValue(t, n)
		require.NoError(t, h.db.Put(ctx, "blobs", "v", v, UpdateLatest))
		got, err := h.db.Get(ctx, "blobs", "v")
		require.NoError(t, err)
		require.True(t, bytes.Equal(v, got), "size %d", n)
	}
	require.NoError(t, h.db.Sync(ctx))

	last := randValue(t, 2*basis.DataPerPage+5)
	require.NoError(t, h.db.Put(ctx, "blobs", "v", last, UpdateLatest))
	h.reopen()
	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	got, err := h.db.Get(ctx, "blobs", "v")
	require.NoError(t, err)
	require.Equal(t, last, got)
}

func TestShrinkingValueFreesPages(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	require.NoError(t, h.db.Put(ctx, "d", "k", randValue(t, 3*basis.DataPerPage), UpdateLatest))
	require.NoError(t, h.db.Sync(ctx))
	used := h.db.Stats().Pages.Used

	h.put("d", "k", "tiny")
	require.NoError(t, h.db.Sync(ctx))
	require.Equal(t, used-2, h.db.Stats().Pages.Used)
	require.Equal(t, "tiny", h.get("d", "k"))
}

func TestHandleReadWrite(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")

	kh, err := h.db.OpenKey(ctx, "logs", "today", OpenOptions{CreateDict: true, CreateKey: true})
	require.NoError(t, err)

	var want []byte
	for i := 0; i < 10; i++ {
		chunk := randValue(t, 1500)
		n, err := h.db.Write(ctx, kh, uint64(len(want)), chunk, UpdateLatest)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
		want = append(want, chunk...)
	}
	size, err := h.db.Len(kh)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), size)

	buf := make([]byte, 5000)
	n, err := h.db.Read(ctx, kh, 4000, buf)
	require.NoError(t, err)
	require.Equal(t, want[4000:9000], buf[:n])

	n, err = h.db.Read(ctx, kh, uint64(len(want))-10, buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	_, err = h.db.Read(ctx, kh, uint64(len(want)), buf)
	require.ErrorIs(t, err, io.EOF)

	// overwrite in the middle
	patch := []byte("PATCHED")
	_, err = h.db.Write(ctx, kh, 4046, patch, UpdateLatest)
	require.NoError(t, err)
	copy(want[4046:], patch)

	require.NoError(t, h.db.Unmount(ctx, "work"))
	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	got, err := h.db.Get(ctx, "logs", "today")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSparseWriteReadsZeros(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	kh, err := h.db.OpenKey(ctx, "d", "sparse", OpenOptions{CreateDict: true, CreateKey: true})
	require.NoError(t, err)

	off := uint64(2*basis.DataPerPage + 10)
	_, err = h.db.Write(ctx, kh, off, []byte("end"), UpdateLatest)
	require.NoError(t, err)

	got, err := h.db.Get(ctx, "d", "sparse")
	require.NoError(t, err)
	require.Len(t, got, int(off)+3)
	assert.Equal(t, make([]byte, off), got[:off])
	assert.Equal(t, "end", string(got[off:]))
}

func TestAllocHintKeepsValueInPlace(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	kh, err := h.db.OpenKey(ctx, "d", "big", OpenOptions{CreateDict: true, CreateKey: true, AllocHint: 4 * basis.DataPerPage})
	require.NoError(t, err)

	r, ok := h.db.Resolve("d", "big")
	require.True(t, ok)
	start := r.Key.Vaddr
	require.NotZero(t, start)

	for i := 0; i < 4; i++ {
		_, err := h.db.Write(ctx, kh, uint64(i*basis.DataPerPage), randValue(t, basis.DataPerPage), UpdateLatest)
		require.NoError(t, err)
	}
	r, _ = h.db.Resolve("d", "big")
	require.Equal(t, start, r.Key.Vaddr)
	require.Equal(t, uint64(4*basis.DataPerPage), r.Key.Len)
}

func TestOpenKeyMissing(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")

	_, err := h.db.OpenKey(ctx, "d", "k", OpenOptions{})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.db.OpenKey(ctx, "d", "k", OpenOptions{CreateKey: true})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = h.db.OpenKey(ctx, "d", "k", OpenOptions{CreateKey: true, CreateDict: true})
	require.NoError(t, err)
	_, err = h.db.OpenKey(ctx, "d", "k", OpenOptions{Basis: "nope"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleBreaksOnUnmount(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("alpha", "pw-a")
	h.put("bookmarks", "home", "A-value")
	h.create("beta", "pw-b")
	h.put("bookmarks", "home", "B-value")

	closed := 0
	kh, err := h.db.OpenKey(ctx, "bookmarks", "home", OpenOptions{OnClose: func() { closed++ }})
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := h.db.Read(ctx, kh, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "B-value", string(buf[:n]))

	require.NoError(t, h.db.Unmount(ctx, "beta"))
	require.Equal(t, 1, closed)

	_, err = h.db.Read(ctx, kh, 0, buf)
	require.ErrorIs(t, err, ErrBrokenMapping)
	_, err = h.db.Write(ctx, kh, 0, []byte("x"), UpdateLatest)
	require.ErrorIs(t, err, ErrBrokenMapping)

	// remounting does not revive the old handle
	require.Equal(t, Correct, h.mount("beta", "pw-b").Kind)
	_, err = h.db.Read(ctx, kh, 0, buf)
	require.ErrorIs(t, err, ErrBrokenMapping)
}

func TestUnpinnedHandleBreaksWhenShadowed(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("alpha", "pw-a")
	h.put("bookmarks", "home", "A-value")

	kh, err := h.db.OpenKey(ctx, "bookmarks", "home", OpenOptions{})
	require.NoError(t, err)
	pinned, err := h.db.OpenKey(ctx, "bookmarks", "home", OpenOptions{Basis: "alpha"})
	require.NoError(t, err)

	h.create("beta", "pw-b")
	h.put("bookmarks", "home", "B-value")

	buf := make([]byte, 16)
	_, err = h.db.Read(ctx, kh, 0, buf)
	require.ErrorIs(t, err, ErrBrokenMapping)

	n, err := h.db.Read(ctx, pinned, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "A-value", string(buf[:n]))
}

func TestHandleOnDeletedKey(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	h.put("d", "k", "v")
	kh, err := h.db.OpenKey(ctx, "d", "k", OpenOptions{Basis: "work"})
	require.NoError(t, err)
	require.NoError(t, h.db.DeleteKey(ctx, "d", "k"))
	_, err = h.db.Read(ctx, kh, 0, make([]byte, 1))
	require.ErrorIs(t, err, ErrNotFound)

	h.db.CloseKey(kh)
	_, err = h.db.Len(kh)
	require.ErrorIs(t, err, ErrBrokenMapping)
}

func TestHandleUpdateOpened(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("alpha", "pw-a")
	h.put("d", "k", "aaaa")
	h.create("beta", "pw-b")
	h.put("d", "k", "bbbb")

	kh, err := h.db.OpenKey(ctx, "d", "k", OpenOptions{})
	require.NoError(t, err)
	_, err = h.db.Write(ctx, kh, 1, []byte("XY"), UpdateOpened)
	require.NoError(t, err)
	require.Equal(t, "bXYb", h.get("d", "k"))
	require.NoError(t, h.db.Unmount(ctx, "beta"))
	require.Equal(t, "aXYa", h.get("d", "k"))
}

func TestReusedAddressesStayCurrent(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	h.put("d", "old", "stale value")
	require.NoError(t, h.db.Sync(ctx))
	require.NoError(t, h.db.DeleteKey(ctx, "d", "old"))
	require.NoError(t, h.db.Unmount(ctx, "work"))

	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	h.put("d", "new", "fresh value")
	h.reopen()

	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	require.Equal(t, "fresh value", h.get("d", "new"))
	_, err := h.db.Get(ctx, "d", "old")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNameLimits(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	long := string(bytes.Repeat([]byte("k"), basis.KeyNameLen+1))
	require.ErrorIs(t, h.db.Put(ctx, "d", long, []byte("v"), UpdateLatest), ErrInvalidArgument)
	require.ErrorIs(t, h.db.Put(ctx, string(bytes.Repeat([]byte("d"), basis.NameLen+1)), "k", nil, UpdateLatest), ErrInvalidArgument)
	require.NoError(t, h.db.Put(ctx, "d", long[:basis.KeyNameLen], []byte("v"), UpdateLatest))
}

func TestWriteRejectsWrappingOffset(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	h.put("d", "k", "seed")

	kh, err := h.db.OpenKey(ctx, "d", "k", OpenOptions{})
	require.NoError(t, err)
	for _, off := range []uint64{^uint64(0) - 10, ^uint64(0)} {
		n, err := h.db.Write(ctx, kh, off, []byte("XXXXX"), UpdateLatest)
		require.ErrorIs(t, err, ErrTooLarge, "offset %d", off)
		require.Zero(t, n)
	}
	size, err := h.db.Len(kh)
	require.NoError(t, err)
	require.Equal(t, uint64(4), size)

	require.NoError(t, h.db.Sync(ctx))
	h.reopen()
	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	require.Equal(t, "seed", h.get("d", "k"))
}

func TestWriteRejectsValuesPastMedium(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")

	kh, err := h.db.OpenKey(ctx, "d", "sparse", OpenOptions{CreateDict: true, CreateKey: true})
	require.NoError(t, err)
	_, err = h.db.Write(ctx, kh, 1<<40, []byte{1}, UpdateLatest)
	require.ErrorIs(t, err, ErrTooLarge)

	last := h.db.MaxValue() - 1
	_, err = h.db.Write(ctx, kh, last, []byte{1, 2}, UpdateLatest)
	require.ErrorIs(t, err, ErrTooLarge)

	err = h.db.Put(ctx, "d", "big", make([]byte, h.db.MaxValue()+1), UpdateLatest)
	require.ErrorIs(t, err, ErrTooLarge)

	resp := h.db.Apply(ctx, Request{Op: OpRead, Handle: kh.ID, Size: int(h.db.MaxValue()) + 1})
	require.ErrorIs(t, resp.Err, ErrTooLarge)
}

func TestPagesForLargeLengths(t *testing.T) {
	assert.Equal(t, uint64(0), basis.PagesFor(0))
	assert.Equal(t, uint64(1), basis.PagesFor(1))
	assert.Equal(t, uint64(1), basis.PagesFor(basis.DataPerPage))
	top := ^uint64(0)
	want := top/basis.DataPerPage + 1
	assert.Equal(t, want, basis.PagesFor(top))
	assert.NotZero(t, basis.PagesFor(top-5))
}
