package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/flare/internal/events"
)

const eventBuffer = 64

// handleStreamEvents streams lifecycle events as server-sent events, one
// named event per lifecycle event type. The machine query parameter limits
// the stream to one machine.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	var machineID string
	if ref := r.URL.Query().Get("machine"); ref != "" {
		id, err := s.deps.Machines.Resolve(ref)
		if err != nil {
			s.writeError(w, err)
			return
		}
		machineID = id
	}

	ch := make(chan events.Event, eventBuffer)
	unsub, err := s.deps.Events.Subscribe(ch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsub()

	flush := startSSE(w, s)
	httpStreamsActive.Inc()
	defer httpStreamsActive.Dec()
	for {
		select {
		case e := <-ch:
			if machineID != "" && e.Machine != machineID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if err := writeSSEEvent(w, e.Type, string(data)); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}
