package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/backup"
)

// handleVendor carries one backup frame per request. The body and the
// reply are length-prefixed CBOR frames.
func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.vendor == nil {
		http.NotFound(w, r)
		return
	}
	frame, ok := readBody(w, r, backup.MaxFrame+4)
	if !ok {
		return
	}
	out, err := s.vendor.Handle(r.Context(), frame)
	if err != nil {
		s.lg.Error("vendor frame", zap.Error(err))
		http.Error(w, "frame encode failed", http.StatusInternalServerError)
		return
	}
	writeRaw(w, out)
}
