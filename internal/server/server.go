package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/backup"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
)

type Options struct {
	Logger     *zap.Logger
	Clock      clockwork.Clock
	Issuer     string
	TokenTTL   time.Duration
	Principals []auth.Principal
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Issuer == "" {
		o.Issuer = "pddbd"
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 15 * time.Minute
	}
}

// Server is the HTTP bridge in front of a database worker. Every call it
// makes goes through the worker queue.
type Server struct {
	lg     *zap.Logger
	opts   Options
	mux    *http.ServeMux
	signer *auth.JWTSigner
	dir    *auth.Directory
	worker *pddb.Server
	vendor *backup.Responder

	// guarded is mux behind bearer-token checks.
	guarded http.Handler

	rlLoginIP   *keyedLimiter
	rlLoginID   *keyedLimiter
	rlMountIP   *keyedLimiter
	rlMountName *keyedLimiter
}

func New(worker *pddb.Server, vendor *backup.Responder, opts Options) (*Server, error) {
	opts.setDefaults()
	if worker == nil {
		return nil, errors.New("server: worker required")
	}
	dir, err := auth.NewDirectory(opts.Principals...)
	if err != nil {
		return nil, err
	}
	if dir.Len() == 0 {
		return nil, errors.New("server: no principals configured")
	}
	priv, err := auth.NewSigningKey()
	if err != nil {
		return nil, err
	}

	s := &Server{
		lg:     opts.Logger.Named("http"),
		opts:   opts,
		mux:    http.NewServeMux(),
		signer: auth.NewJWTSigner(priv, opts.Issuer, opts.TokenTTL, opts.Clock),
		dir:    dir,
		worker: worker,
		vendor: vendor,
	}

	s.rlLoginIP = newKeyedLimiter(opts.Clock, perWindow(10, time.Minute), 10, time.Hour)
	s.rlLoginID = newKeyedLimiter(opts.Clock, perWindow(5, time.Minute), 5, time.Hour)
	s.rlMountIP = newKeyedLimiter(opts.Clock, perWindow(10, time.Minute), 10, time.Hour)
	s.rlMountName = newKeyedLimiter(opts.Clock, perWindow(5, time.Minute), 5, time.Hour)

	s.routes()
	s.guarded = auth.AuthRequired(s.signer)(s.mux)
	return s, nil
}

// publicPaths are served without a bearer token.
var publicPaths = map[string]bool{
	"/api/health": true,
	"/api/login":  true,
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.lg.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	h := w.Header()
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	if strings.HasPrefix(r.URL.Path, "/api/") && !publicPaths[r.URL.Path] {
		s.guarded.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}
