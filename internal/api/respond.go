package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/flare/internal/machine"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 5000
	maxBodySize     = 1 << 20  // 1 MB
	maxChunkSize    = 64 << 20 // 64 MB
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string       `json:"error"`
	Kind  machine.Kind `json:"kind"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind machine.Kind) int {
	switch kind {
	case machine.KindInvalidSpec:
		return http.StatusBadRequest
	case machine.KindNotFound:
		return http.StatusNotFound
	case machine.KindConflict, machine.KindMachineStopping, machine.KindSnapshotBlocked:
		return http.StatusConflict
	case machine.KindResourceUnavailable:
		return http.StatusServiceUnavailable
	case machine.KindBootFailed, machine.KindRestoreFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes err as a JSON error response, choosing the status from
// its kind.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := machine.KindOf(err)
	status := statusFor(kind)
	apiErrorsTotal.WithLabelValues(string(kind)).Inc()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// writeBadRequest reports a malformed request.
func (s *Server) writeBadRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, Kind: machine.KindInvalidSpec})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
