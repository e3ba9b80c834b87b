package http

import (
	"errors"
	"net/http"

	"github.com/roelfdiedericks/idlenpu/internal/download"
	"github.com/roelfdiedericks/idlenpu/internal/events"
)

// handleDownloadStream handles POST /api/download/stream: start a download
// and stream its progress as SSE. A client disconnect does not cancel the
// download; /api/status keeps reporting it until done.
func (s *Server) handleDownloadStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		RepoID string `json:"repo_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	stream, err := s.download.Start(req.RepoID)
	if err != nil {
		if errors.Is(err, download.ErrBusy) {
			writeDetail(w, http.StatusConflict, err.Error())
			return
		}
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	events.Serve(w, r, stream, nil)
}

// handleDownloadStop handles POST /api/download/stop.
func (s *Server) handleDownloadStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.download.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
