package http

import (
	"errors"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// handleSessions handles GET (list) and POST (create) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.store.List()
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "Session list failed")
			return
		}
		if sessions == nil {
			sessions = []session.Session{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions":           sessions,
			"current_session_id": s.store.Current(),
		})
	case http.MethodPost:
		var req struct {
			Title     string `json:"title"`
			Temporary bool   `json:"is_temporary"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		sess, err := s.store.Create(req.Title, req.Temporary)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, "Session create failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           sess.ID,
			"title":        sess.Title,
			"is_temporary": sess.Temporary,
		})
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSessionAction routes /api/sessions/{id} and its sub-resources:
// select, rename, delete, messages, message edit and retry.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	sid := parts[0]
	if sid == "" {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		s.renameSession(w, r, sid)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.deleteSession(w, sid)
	case len(parts) == 2 && parts[1] == "select" && r.Method == http.MethodPost:
		s.selectSession(w, sid)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		s.sessionMessages(w, sid)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "edit" && r.Method == http.MethodPost:
		s.editMessage(w, r, sid)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "retry" && r.Method == http.MethodPost:
		s.retryMessage(w, r, sid)
	default:
		writeDetail(w, http.StatusNotFound, "Not found")
	}
}

// sessionError maps store errors onto API statuses. roleMsg is the message
// used when the target message has the wrong role for the operation.
func sessionError(w http.ResponseWriter, err error, roleMsg string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrIndexRange):
		writeDetail(w, http.StatusBadRequest, "Message index out of range")
	case errors.Is(err, session.ErrRoleMismatch):
		writeDetail(w, http.StatusBadRequest, roleMsg)
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) selectSession(w http.ResponseWriter, sid string) {
	if err := s.store.SetCurrent(sid); err != nil {
		sessionError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) renameSession(w http.ResponseWriter, r *http.Request, sid string) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeDetail(w, http.StatusBadRequest, "Title required")
		return
	}
	if err := s.store.Rename(sid, req.Title); err != nil {
		sessionError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) deleteSession(w http.ResponseWriter, sid string) {
	if err := s.store.Delete(sid); err != nil {
		sessionError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                 true,
		"current_session_id": s.store.Current(),
	})
}

func (s *Server) sessionMessages(w http.ResponseWriter, sid string) {
	history, err := s.store.History(sid)
	if err != nil {
		sessionError(w, err, "")
		return
	}
	if history == nil {
		history = []session.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// editMessage rewrites a user message and drops everything after it. An
// edit of the first message also re-derives the session title.
func (s *Server) editMessage(w http.ResponseWriter, r *http.Request, sid string) {
	var req struct {
		Index   int    `json:"index"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index < 0 {
		writeDetail(w, http.StatusBadRequest, "Message index out of range")
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if err := s.store.EditMessage(sid, req.Index, req.Content); err != nil {
		sessionError(w, err, "Only user messages can be edited")
		return
	}
	if req.Index == 0 {
		if _, err := s.store.UpdateTitle(sid, req.Content); err != nil {
			L_warn("http: title update failed", "session", sid, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// retryMessage drops the assistant message at index and everything after
// it, so the client can regenerate from the preceding user turn.
func (s *Server) retryMessage(w http.ResponseWriter, r *http.Request, sid string) {
	var req struct {
		Index int `json:"index"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index < 0 {
		writeDetail(w, http.StatusBadRequest, "Message index out of range")
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	history, err := s.store.History(sid)
	if err != nil {
		sessionError(w, err, "")
		return
	}
	if req.Index >= len(history) {
		writeDetail(w, http.StatusBadRequest, "Message index out of range")
		return
	}
	if history[req.Index].Role != "assistant" {
		writeDetail(w, http.StatusBadRequest, "Only assistant messages can be retried")
		return
	}
	if err := s.store.Truncate(sid, req.Index); err != nil {
		sessionError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
