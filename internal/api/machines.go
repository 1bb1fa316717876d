package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flare/internal/model"
)

// listMachinesResponse wraps the machine list.
type listMachinesResponse struct {
	Machines []*model.Machine `json:"machines"`
	Total    int              `json:"total"`
}

// activateResponse is the JSON response for POST /v1/machines/{id}/activate.
type activateResponse struct {
	Instance string `json:"instance"`
	Address  string `json:"address"`
}

// machineRef returns the machine reference of a request: the {id} path
// parameter, qualified by the namespace query parameter when present.
func machineRef(r *http.Request) string {
	ref := chi.URLParam(r, "id")
	if ns := r.URL.Query().Get("namespace"); ns != "" {
		return ns + "/" + ref
	}
	return ref
}

func (s *Server) handleDeployMachine(w http.ResponseWriter, r *http.Request) {
	var spec model.MachineSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		s.writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.deps.Machines.Deploy(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	all, err := s.deps.Machines.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	ns := r.URL.Query().Get("namespace")
	out := make([]*model.Machine, 0, len(all))
	for _, m := range all {
		if ns == "" || m.Spec.Namespace == ns {
			out = append(out, m)
		}
	}
	s.writeJSON(w, http.StatusOK, listMachinesResponse{Machines: out, Total: len(out)})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Machines.Get(r.Context(), machineRef(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Machines.Delete(r.Context(), machineRef(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Machines.Start(r.Context(), machineRef(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStopMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Machines.Stop(r.Context(), machineRef(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSnapshotMachine(w http.ResponseWriter, r *http.Request) {
	ref := machineRef(r)
	if err := s.deps.Machines.Snapshot(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.deps.Machines.Get(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, m)
}

// handleActivateMachine brings an instance of the machine to READY without
// holding a connection open. The lease is released straight away, so the
// instance's idle timer starts counting from this request.
func (s *Server) handleActivateMachine(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.ActivationTimeout)
	defer cancel()

	lease, err := s.deps.Dispatcher.Activate(ctx, machineRef(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer lease.Release()
	s.writeJSON(w, http.StatusOK, activateResponse{Instance: lease.Key, Address: lease.Addr})
}
