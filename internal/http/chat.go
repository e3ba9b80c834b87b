package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/events"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// handleChatStream handles POST /api/chat/stream: append the user turn,
// run a generation and stream its frames back as SSE.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SessionID   string                  `json:"session_id"`
		Text        string                  `json:"text"`
		Config      config.GenerationConfig `json:"config"`
		Attachments []session.Attachment    `json:"attachments"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	s.sessionMu.Lock()
	history, err := s.store.History(req.SessionID)
	if err != nil {
		s.sessionMu.Unlock()
		sessionError(w, err, "")
		return
	}
	if len(history) == 0 {
		if _, err := s.store.UpdateTitle(req.SessionID, req.Text); err != nil {
			L_warn("http: title update failed", "session", req.SessionID, "error", err)
		}
	}
	if _, err := s.store.AddMessage(req.SessionID, "user", req.Text, nil, req.Attachments); err != nil {
		s.sessionMu.Unlock()
		sessionError(w, err, "")
		return
	}
	if err := s.store.SetCurrent(req.SessionID); err != nil {
		L_warn("http: set current failed", "session", req.SessionID, "error", err)
	}
	history, err = s.store.History(req.SessionID)
	s.sessionMu.Unlock()
	if err != nil {
		sessionError(w, err, "")
		return
	}

	cfg := config.Merged(req.Config)
	stream, err := s.worker.Generate(buildMessages(history, cfg), cfg)
	if err != nil {
		failStream(w, r, err.Error())
		return
	}
	s.streamGeneration(w, r, req.SessionID, stream)
}

// handleChatRegenerate handles POST /api/chat/regenerate: rerun the model
// on the existing history, whose last message must be a user turn.
func (s *Server) handleChatRegenerate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SessionID string                  `json:"session_id"`
		Config    config.GenerationConfig `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	history, err := s.store.History(req.SessionID)
	if err != nil {
		sessionError(w, err, "")
		return
	}
	if len(history) == 0 {
		writeDetail(w, http.StatusBadRequest, "No messages to regenerate")
		return
	}
	if history[len(history)-1].Role != "user" {
		writeDetail(w, http.StatusBadRequest, "Last message must be a user message")
		return
	}

	cfg := config.Merged(req.Config)
	stream, err := s.worker.Generate(buildMessages(history, cfg), cfg)
	if err != nil {
		failStream(w, r, err.Error())
		return
	}
	s.streamGeneration(w, r, req.SessionID, stream)
}

// handleChatStop handles POST /api/chat/stop.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.worker.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// failStream reports a generation that could not start as a one-frame SSE
// stream, the shape streaming clients already parse.
func failStream(w http.ResponseWriter, r *http.Request, msg string) {
	st := events.NewStream()
	st.Publish(events.Error{Message: msg})
	st.Close()
	events.Serve(w, r, st, nil)
}

// streamGeneration forwards worker frames as SSE while accumulating token
// text. Whatever text arrived is persisted as the assistant turn even when
// the client disconnects mid-generation; a disconnect also asks the worker
// to stop decoding.
func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, sid string, stream *events.Stream) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		L_error("http: response writer does not support flushing")
		writeDetail(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var text strings.Builder
	defer func() {
		if text.Len() == 0 {
			return
		}
		s.sessionMu.Lock()
		_, err := s.store.AddMessage(sid, "assistant", text.String(), nil, nil)
		s.sessionMu.Unlock()
		if err != nil {
			L_error("http: assistant turn persist failed", "session", sid, "error", err)
		}
	}()

	for {
		select {
		case frame, open := <-stream.Frames():
			if !open {
				return
			}
			if tok, isToken := frame.(events.Token); isToken {
				text.WriteString(tok.Token)
			}
			data, err := events.Marshal(frame)
			if err != nil {
				L_error("http: frame marshal failed", "kind", frame.Kind(), "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			L_debug("http: chat client disconnected", "session", sid)
			s.worker.Stop()
			stream.Cancel()
			return
		}
	}
}

// buildMessages assembles the prompt window: an optional system prompt,
// then the last max_history_turns user/assistant pairs with text
// attachments folded into their message content.
func buildMessages(history []session.Message, cfg config.GenerationConfig) []session.Message {
	maxTurns := historyTurns(cfg)

	var window []session.Message
	switch {
	case maxTurns > 0 && len(history) > maxTurns*2:
		window = history[len(history)-maxTurns*2:]
	case maxTurns > 0:
		window = history
	case len(history) > 0:
		window = history[len(history)-1:]
	}

	messages := make([]session.Message, 0, len(window)+1)
	if sys, _ := cfg["system_prompt"].(string); sys != "" {
		messages = append(messages, session.Message{Role: "system", Content: sys})
	}
	for _, msg := range window {
		messages = append(messages, mergeAttachments(msg))
	}
	return messages
}

// historyTurns reads max_history_turns from the config bag, tolerating the
// numeric types a JSON round-trip can leave behind.
func historyTurns(cfg config.GenerationConfig) int {
	switch v := cfg["max_history_turns"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case float32:
		return int(v)
	case int64:
		return int(v)
	}
	return 10
}

// mergeAttachments folds a message's text attachments into its content as
// a bracketed block. Image attachments stay attached so vision models
// receive their data URLs intact.
func mergeAttachments(msg session.Message) session.Message {
	out := session.Message{Role: msg.Role, Content: msg.Content}
	var files, images []session.Attachment
	for _, a := range msg.Attachments {
		if a.Kind == "image" {
			images = append(images, a)
			continue
		}
		files = append(files, a)
	}
	if block := formatAttachments(files); block != "" {
		if out.Content != "" {
			out.Content = out.Content + "\n\n" + block
		} else {
			out.Content = block
		}
	}
	out.Attachments = images
	return out
}

func formatAttachments(files []session.Attachment) string {
	if len(files) == 0 {
		return ""
	}
	lines := []string{"[Attachments]"}
	for _, f := range files {
		if f.Content == "" {
			continue
		}
		lines = append(lines, "[File: "+f.Name+"]", f.Content, "[/File]")
	}
	return strings.Join(lines, "\n")
}
