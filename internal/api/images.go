package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flare/internal/model"
)

// Upload metadata travels in headers so chunk bodies stay raw bytes.
const (
	headerImageName = "X-Image-Name"
	headerImageTags = "X-Image-Tags"
)

type beginUploadResponse struct {
	UploadID string `json:"upload_id"`
}

type chunkResponse struct {
	UploadID string `json:"upload_id"`
	Received int64  `json:"received"`
}

type listImagesResponse struct {
	Images []*model.Image `json:"images"`
	Total  int            `json:"total"`
}

func (s *Server) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(headerImageName)
	if name == "" {
		s.writeBadRequest(w, headerImageName+" header is required")
		return
	}
	var tags []string
	for tag := range strings.SplitSeq(r.Header.Get(headerImageTags), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	id, err := s.deps.Images.Begin(name, tags)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, beginUploadResponse{UploadID: id})
}

// handleUploadChunk appends the request body to an upload. Chunks must be
// sent in order, one request at a time.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body := http.MaxBytesReader(w, r.Body, maxChunkSize)
	n, err := s.deps.Images.Append(r.Context(), id, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chunkResponse{UploadID: id, Received: n})
}

func (s *Server) handleCommitUpload(w http.ResponseWriter, r *http.Request) {
	img, err := s.deps.Images.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, img)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Images.Abort(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.deps.Images.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listImagesResponse{Images: imgs, Total: len(imgs)})
}
