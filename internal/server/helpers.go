package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/betrusted-io/xous-core-sub012/internal/auth"
	"github.com/betrusted-io/xous-core-sub012/internal/pagetable"
	"github.com/betrusted-io/xous-core-sub012/internal/pddb"
)

const (
	maxJSONBody  = 64 << 10
	maxValueBody = 16 << 20
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func tooMany(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	http.Error(w, "too many requests", http.StatusTooManyRequests)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return b, true
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// errStatus maps database errors onto HTTP codes. Messages are the
// sentinel texts, which never carry names.
func errStatus(err error) int {
	switch {
	case errors.Is(err, pddb.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pddb.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, pddb.ErrAlreadyMounted), errors.Is(err, pddb.ErrBasisExists), errors.Is(err, pddb.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, pddb.ErrNoBasis), errors.Is(err, pddb.ErrUninit), errors.Is(err, pddb.ErrSuspended):
		return http.StatusPreconditionFailed
	case errors.Is(err, pddb.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pagetable.ErrNoSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, pddb.ErrStopped), errors.Is(err, pddb.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := errStatus(err)
	msg := http.StatusText(code)
	if code != http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

// nameKey buckets rate limits by basis name without keeping the name.
func nameKey(in string) string {
	sum := sha256.Sum256([]byte("pddbd/ratelimit/" + in))
	return hex.EncodeToString(sum[:16])
}

func roleNames(rs []auth.Role) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}
