package pddb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *prometheus.Registry) {
	t.Helper()
	mem, err := storage.NewMemoryBacking(testGeometry())
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	db, err := Open(context.Background(), mem, Options{Logger: zaptest.NewLogger(t), KDF: crypto.FastKDF(), Registerer: reg})
	require.NoError(t, err)
	s := NewServer(db)
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})
	return s, reg
}

func do(t *testing.T, s *Server, r Request) Response {
	t.Helper()
	resp := s.Do(context.Background(), r)
	require.NoError(t, resp.Err, r.Op.String())
	return resp
}

func TestServerRequestFlow(t *testing.T) {
	s, reg := newTestServer(t)

	resp := s.Do(context.Background(), Request{Op: OpMount, Basis: "work", Password: []byte("abc123")})
	require.NoError(t, resp.Err)
	require.Equal(t, Uninit, resp.Outcome.Kind)

	do(t, s, Request{Op: OpFormat})
	do(t, s, Request{Op: OpCreate, Basis: "work", Password: []byte("abc123")})
	do(t, s, Request{Op: OpPut, Dict: "passwords", Key: "site1", Data: []byte("hunter2")})

	open := do(t, s, Request{Op: OpOpenKey, Dict: "notes", Key: "a", Open: OpenOptions{CreateDict: true, CreateKey: true}})
	do(t, s, Request{Op: OpWrite, Handle: open.Handle, Data: []byte("hello world")})
	read := do(t, s, Request{Op: OpRead, Handle: open.Handle, Offset: 6, Size: 64})
	require.Equal(t, "world", string(read.Data))
	require.False(t, read.EOF)
	read = do(t, s, Request{Op: OpRead, Handle: open.Handle, Offset: 11, Size: 64})
	require.True(t, read.EOF)
	do(t, s, Request{Op: OpCloseKey, Handle: open.Handle})

	dicts := do(t, s, Request{Op: OpListDictionaries})
	require.Equal(t, []string{"notes", "passwords"}, dicts.Names)
	keys := do(t, s, Request{Op: OpListKeys, Dict: "passwords"})
	require.Equal(t, []string{"site1"}, keys.Names)

	do(t, s, Request{Op: OpSync})
	do(t, s, Request{Op: OpUnmount, Basis: "work"})
	got := s.Do(context.Background(), Request{Op: OpGet, Dict: "passwords", Key: "site1"})
	require.ErrorIs(t, got.Err, ErrNotFound)

	mount := do(t, s, Request{Op: OpMount, Basis: "work", Password: []byte("abc123")})
	require.Equal(t, Correct, mount.Outcome.Kind)
	got = do(t, s, Request{Op: OpGet, Dict: "passwords", Key: "site1"})
	require.Equal(t, "hunter2", string(got.Data))

	stats := do(t, s, Request{Op: OpStats})
	require.Equal(t, 1, stats.Stats.Bases)
	require.Positive(t, stats.Stats.Pages.Used)

	require.Equal(t, 1.0, testutil.ToFloat64(s.db.metrics.mounted))
	require.Equal(t, 1.0, testutil.ToFloat64(s.db.metrics.outcomes.WithLabelValues("correct")))
	n, err := testutil.GatherAndCount(reg, "pddb_request_duration_seconds")
	require.NoError(t, err)
	require.Positive(t, n)
}

func TestServerSuspend(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, Request{Op: OpFormat})
	do(t, s, Request{Op: OpCreate, Basis: "work", Password: []byte("abc123")})
	do(t, s, Request{Op: OpPut, Dict: "d", Key: "k", Data: []byte("v")})

	do(t, s, Request{Op: OpSuspend})
	for _, op := range []Op{OpGet, OpPut, OpSync, OpMount, OpListDictionaries} {
		resp := s.Do(context.Background(), Request{Op: op, Basis: "work", Dict: "d", Key: "k"})
		require.ErrorIs(t, resp.Err, ErrSuspended, op.String())
	}
	do(t, s, Request{Op: OpResume})
	got := do(t, s, Request{Op: OpGet, Dict: "d", Key: "k"})
	require.Equal(t, "v", string(got.Data))
}

func TestSuspendCheckpointsEverything(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	h.put("d", "k", "checkpointed")
	require.NoError(t, h.db.Suspend(ctx))

	// power is lost while suspended
	h.db = h.open()
	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	require.Equal(t, "checkpointed", h.get("d", "k"))
}

func TestServerSerializesConcurrentCallers(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, Request{Op: OpFormat})
	do(t, s, Request{Op: OpCreate, Basis: "work", Password: []byte("abc123")})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			resp := s.Do(context.Background(), Request{Op: OpPut, Dict: "d", Key: key, Data: []byte(key)})
			assert.NoError(t, resp.Err)
		}(i)
	}
	wg.Wait()
	keys := do(t, s, Request{Op: OpListKeys, Dict: "d"})
	require.Len(t, keys.Names, 8)
}

func TestServerRejectsUnknownOp(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Do(context.Background(), Request{Op: Op(999)})
	require.ErrorIs(t, resp.Err, ErrInvalidArgument)
}

func TestServerStoppedAndCancelled(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := s.Do(ctx, Request{Op: OpStats})
	require.Error(t, resp.Err)

	require.NoError(t, s.Stop(context.Background()))
	resp = s.Do(context.Background(), Request{Op: OpStats})
	require.ErrorIs(t, resp.Err, ErrStopped)
}

func TestImageRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newFormatted(t)
	h.create("work", "abc123")
	h.put("d", "k", "before backup")
	img, err := h.db.Image(ctx)
	require.NoError(t, err)
	require.Len(t, img, int(testGeometry().TotalSize))

	h.put("d", "k", "after backup")
	require.ErrorIs(t, h.db.RestoreImage(ctx, img), ErrBusy)
	require.NoError(t, h.db.Unmount(ctx, "work"))
	require.ErrorIs(t, h.db.RestoreImage(ctx, img[:100]), ErrInvalidArgument)
	require.NoError(t, h.db.RestoreImage(ctx, img))

	require.Equal(t, Correct, h.mount("work", "abc123").Kind)
	require.Equal(t, "before backup", h.get("d", "k"))
}
