package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// logsResponse is the JSON response for GET /v1/machines/{id}/logs.
type logsResponse struct {
	MachineID string   `json:"machine_id"`
	Lines     []string `json:"lines"`
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	ref := machineRef(r)
	id, err := s.deps.Machines.Resolve(ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := min(max(parseIntQuery(r, "limit", defaultLogLimit), 1), maxLogLimit)
	lines, err := s.deps.Machines.Logs(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsResponse{MachineID: id, Lines: lines})
}

// handleStreamLogs follows a machine's console output as server-sent events
// until the client goes away or the machine is deleted.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Machines.Resolve(machineRef(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	ch, unsub := s.deps.Machines.Broker().Subscribe(id)
	defer unsub()

	flusher := startSSE(w, s)
	httpStreamsActive.Inc()
	defer httpStreamsActive.Dec()
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				// Machine deleted; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				flusher()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flusher()
		case <-r.Context().Done():
			return
		}
	}
}

// startSSE writes event-stream headers, lifts the server write timeout for
// the long-lived response and returns a flush function.
func startSSE(w http.ResponseWriter, s *Server) func() {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	flush()
	return flush
}

// writeSSEData writes a line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
