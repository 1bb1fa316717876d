package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flare/internal/model"
)

type listServicesResponse struct {
	Services []*model.Service `json:"services"`
	Total    int              `json:"total"`
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var svc model.Service
	if err := decodeJSON(w, r, &svc); err != nil {
		s.writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	created, err := s.deps.Services.Create(r.Context(), &svc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	svcs, err := s.deps.Services.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listServicesResponse{Services: svcs, Total: len(svcs)})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.deps.Services.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Services.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
