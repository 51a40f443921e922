package server

import (
	"net/http"
	"strings"

	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
)

func (s *Server) handleDicts(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpListDictionaries}); ok {
		writeJSON(w, map[string][]string{"dicts": nonNil(resp.Names)})
	}
}

func (s *Server) handleDictByName(w http.ResponseWriter, r *http.Request) {
	dict := strings.TrimPrefix(r.URL.Path, "/api/dicts/")
	if dict == "" || strings.Contains(dict, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpListKeys, Dict: dict}); ok {
			writeJSON(w, map[string][]string{"keys": nonNil(resp.Names)})
		}
	case http.MethodDelete:
		if _, ok := s.do(w, r, pddb.Request{Op: pddb.OpDeleteDictionary, Dict: dict}); ok {
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKey serves /api/keys/<dict>/<key>. The key part may itself hold
// slashes; only the first one splits.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	dict, key, err := pddb.SplitPath(strings.TrimPrefix(r.URL.Path, "/api/keys"))
	if err != nil {
		writeErr(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpGet, Dict: dict, Key: key}); ok {
			writeRaw(w, resp.Data)
		}
	case http.MethodPut:
		mode := pddb.UpdateLatest
		switch r.URL.Query().Get("mode") {
		case "", "latest":
		case "opened":
			mode = pddb.UpdateOpened
		default:
			http.Error(w, "mode must be latest or opened", http.StatusBadRequest)
			return
		}
		body, ok := readBody(w, r, maxValueBody)
		if !ok {
			return
		}
		if resp, ok := s.do(w, r, pddb.Request{Op: pddb.OpPut, Dict: dict, Key: key, Data: body, Mode: mode}); ok {
			writeJSON(w, map[string]int{"written": resp.N})
		}
	case http.MethodDelete:
		if _, ok := s.do(w, r, pddb.Request{Op: pddb.OpDeleteKey, Dict: dict, Key: key}); ok {
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
