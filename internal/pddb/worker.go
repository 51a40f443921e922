package pddb

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type call struct {
	ctx  context.Context
	req  Request
	resp chan Response
}

// Server owns a DB and applies requests to it one at a time, in arrival
// order, on a single goroutine.
type Server struct {
	lg *zap.Logger
	db *DB

	reqc  chan call
	stopc chan struct{}
	donec chan struct{}
	once  sync.Once

	mu      sync.Mutex
	started bool
}

func NewServer(db *DB) *Server {
	return &Server{
		lg:    db.lg.Named("worker"),
		db:    db,
		reqc:  make(chan call),
		stopc: make(chan struct{}),
		donec: make(chan struct{}),
	}
}

// Start launches the worker goroutine. It does nothing after Stop.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		go s.run()
	}
}

func (s *Server) run() {
	defer close(s.donec)
	for {
		select {
		case c := <-s.reqc:
			c.resp <- s.apply(c)
		case <-s.stopc:
			return
		}
	}
}

func (s *Server) apply(c call) Response {
	if err := c.ctx.Err(); err != nil {
		return Response{Err: err}
	}
	start := s.db.clock.Now()
	resp := s.db.Apply(c.ctx, c.req)
	s.db.metrics.requests.WithLabelValues(c.req.Op.String()).Observe(s.db.clock.Now().Sub(start).Seconds())
	s.db.metrics.refresh(s.db)
	if resp.Err != nil {
		s.lg.Debug("request failed", zap.Stringer("op", c.req.Op), zap.Error(resp.Err))
	}
	return resp
}

// Do queues a request and waits for its response. A request already
// picked up by the worker runs to completion even if ctx is cancelled.
func (s *Server) Do(ctx context.Context, r Request) Response {
	c := call{ctx: ctx, req: r, resp: make(chan Response, 1)}
	select {
	case s.reqc <- c:
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	case <-s.stopc:
		return Response{Err: ErrStopped}
	}
	select {
	case resp := <-c.resp:
		return resp
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
}

// Stop waits for the in-flight request, stops the worker and closes the
// database.
func (s *Server) Stop(ctx context.Context) error {
	s.once.Do(func() { close(s.stopc) })
	s.mu.Lock()
	if !s.started {
		s.started = true
		close(s.donec)
	}
	s.mu.Unlock()
	select {
	case <-s.donec:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.db.Close(ctx)
}

// Image is the worker-serialized form of DB.Image.
func (s *Server) Image(ctx context.Context) ([]byte, error) {
	resp := s.Do(ctx, Request{Op: OpImage})
	return resp.Data, resp.Err
}

// RestoreImage is the worker-serialized form of DB.RestoreImage.
func (s *Server) RestoreImage(ctx context.Context, img []byte) error {
	return s.Do(ctx, Request{Op: OpRestoreImage, Data: img}).Err
}

// DeviceID is fixed by the backing and safe to read off the worker.
func (s *Server) DeviceID() []byte { return s.db.DeviceID() }

// ImageSize is the medium size, fixed by the backing.
func (s *Server) ImageSize() int64 { return s.db.medium.Geometry().TotalSize }
