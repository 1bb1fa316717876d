package api

import (
	"net/http"

	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	*store.Stats
	VCPUsReserved     int `json:"vcpus_reserved"`
	MemoryReservedMiB int `json:"memory_reserved_mib"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, machine.Errorf(machine.KindInternal, "get stats: %w", err))
		return
	}
	vcpus, mem := s.deps.Machines.Budget().Usage()
	s.writeJSON(w, http.StatusOK, statsResponse{Stats: stats, VCPUsReserved: vcpus, MemoryReservedMiB: mem})
}

func (s *Server) handleListHypervisors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.List())
}
