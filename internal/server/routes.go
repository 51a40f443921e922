package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
)

func (s *Server) routes() {
	admin := auth.RequireRole(auth.RoleAdmin)
	vendor := auth.RequireRole(auth.RoleVendor)
	handle := func(pattern string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
		s.mux.Handle(pattern, guard(h))
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/me", s.handleMe)
	if s.opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	handle("/api/format", admin, s.handleFormat)
	handle("/api/stats", admin, s.handleStats)
	handle("/api/sync", admin, s.handleSync)
	handle("/api/suspend", admin, s.handleSuspend)
	handle("/api/resume", admin, s.handleResume)

	handle("/api/bases", admin, s.handleBases)
	handle("/api/bases/create", admin, s.handleCreate)
	handle("/api/bases/mount", admin, s.handleMount)
	handle("/api/bases/unmount", admin, s.handleUnmount)
	handle("/api/bases/reset", admin, s.handleReset)

	handle("/api/dicts", admin, s.handleDicts)
	handle("/api/dicts/", admin, s.handleDictByName)
	handle("/api/keys/", admin, s.handleKey)

	handle("/api/vendor", vendor, s.handleVendor)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
