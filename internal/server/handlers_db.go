package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
)

type basisReq struct {
	Basis    string `json:"basis"`
	Password string `json:"password,omitempty"`
}

type mountResp struct {
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts,omitempty"`
}

// do runs one request on the worker and writes the error, if any.
func (s *Server) do(w http.ResponseWriter, r *http.Request, req pddb.Request) (pddb.Response, bool) {
	resp := s.worker.Do(r.Context(), req)
	if resp.Err != nil {
		writeErr(w, resp.Err)
		return resp, false
	}
	return resp, true
}

func (s *Server) simple(op pddb.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodPost) {
			return
		}
		if _, ok := s.do(w, r, pddb.Request{Op: op}); ok {
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	s.lg.Warn("format requested", zap.String("ip", getClientIP(r)))
	s.simple(pddb.OpFormat)(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) { s.simple(pddb.OpSync)(w, r) }

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) { s.simple(pddb.OpSuspend)(w, r) }

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) { s.simple(pddb.OpResume)(w, r) }

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpStats}); ok {
		writeJSON(w, resp.Stats)
	}
}

func (s *Server) handleBases(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpListBases}); ok {
		writeJSON(w, map[string][]string{"bases": nonNil(resp.Names)})
	}
}

func (s *Server) readBasis(w http.ResponseWriter, r *http.Request) (basisReq, bool) {
	var req basisReq
	if !allowMethods(w, r, http.MethodPost) || !readJSON(w, r, &req) {
		return req, false
	}
	if req.Basis == "" {
		http.Error(w, "basis required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) mountAllowed(w http.ResponseWriter, r *http.Request, basis string) bool {
	if !s.rlMountIP.allow(getClientIP(r)) || !s.rlMountName.allow(nameKey(basis)) {
		tooMany(w, 60)
		return false
	}
	return true
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBasis(w, r)
	if !ok || !s.mountAllowed(w, r, req.Basis) {
		return
	}
	pw := []byte(req.Password)
	defer crypto.Zero(pw)
	resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpMount, Basis: req.Basis, Password: pw})
	if !ok {
		return
	}
	code := http.StatusOK
	switch resp.Outcome.Kind {
	case pddb.Incorrect:
		code = http.StatusUnauthorized
	case pddb.ForcedAbort:
		code = http.StatusForbidden
	case pddb.Uninit:
		code = http.StatusPreconditionFailed
	}
	writeJSONStatus(w, code, mountResp{Outcome: resp.Outcome.Kind.String(), Attempts: resp.Outcome.Attempts})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBasis(w, r)
	if !ok || !s.mountAllowed(w, r, req.Basis) {
		return
	}
	if req.Password == "" {
		http.Error(w, "password required", http.StatusBadRequest)
		return
	}
	pw := []byte(req.Password)
	defer crypto.Zero(pw)
	if _, ok := s.do(w, r, pddb.Request{Op: pddb.OpCreate, Basis: req.Basis, Password: pw}); ok {
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBasis(w, r)
	if !ok {
		return
	}
	if _, ok := s.do(w, r, pddb.Request{Op: pddb.OpUnmount, Basis: req.Basis}); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBasis(w, r)
	if !ok {
		return
	}
	if _, ok := s.do(w, r, pddb.Request{Op: pddb.OpResetAttempts, Basis: req.Basis}); ok {
		w.WriteHeader(http.StatusNoContent)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
