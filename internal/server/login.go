package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/crypto"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if !s.rlLoginIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}
	var req auth.LoginRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !s.rlLoginID.allow(nameKey(req.Principal)) {
		tooMany(w, 60)
		return
	}
	pw := []byte(req.Password)
	defer crypto.Zero(pw)

	p, err := s.dir.Authenticate(req.Principal, pw)
	if err != nil {
		s.lg.Info("login rejected", zap.String("ip", getClientIP(r)))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	tok, exp, err := s.signer.IssueToken(p.Name, p.Roles)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	s.lg.Info("login", zap.String("principal", p.Name), zap.Strings("roles", roleNames(p.Roles)))
	writeJSON(w, auth.LoginResponse{Token: tok, ExpiresAt: exp})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	writeJSON(w, claims)
}
