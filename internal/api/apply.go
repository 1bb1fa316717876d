package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/flare/internal/deploy"
)

// handleApply reconciles a deployment document sent as TOML or JSON. The
// response is always a deploy.Result; a rejected document gets 422.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge,
				deploy.Result{Status: deploy.StatusRejected, Reason: "document too large"})
			return
		}
		s.writeBadRequest(w, "read body: "+err.Error())
		return
	}

	doc, err := deploy.Parse(r.Header.Get("Content-Type"), data)
	if err != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity,
			deploy.Result{Status: deploy.StatusRejected, Reason: err.Error()})
		return
	}

	res := s.deps.Applier.Apply(r.Context(), doc)
	status := http.StatusOK
	switch res.Status {
	case deploy.StatusPending:
		status = http.StatusAccepted
	case deploy.StatusRejected:
		status = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, status, res)
}
