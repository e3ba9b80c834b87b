package events

import (
	"fmt"
	"net/http"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Serve writes every frame of the stream to w as Server-Sent Events until
// the stream closes or the client disconnects. onCancel (optional) runs once
// when the client goes away before the stream ends; Serve then cancels the
// stream so the producer can finish unobserved.
func Serve(w http.ResponseWriter, r *http.Request, stream *Stream, onCancel func()) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		L_error("events: response writer does not support flushing")
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Headers (and any buffered status) go out before the first frame so the
	// client sees the stream open immediately.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				return
			}
			data, err := Marshal(frame)
			if err != nil {
				L_error("events: frame marshal failed", "kind", frame.Kind(), "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			L_debug("events: client disconnected", "path", r.URL.Path)
			if onCancel != nil {
				onCancel()
			}
			stream.Cancel()
			return
		}
	}
}
