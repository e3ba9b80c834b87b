// Package events carries the typed frames streamed to SSE clients and the
// bounded per-request streams that connect producers (worker and download
// supervisors) to HTTP handlers.
package events

import (
	"encoding/json"

	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// Frame is anything that can be delivered to a streaming client.
type Frame interface {
	Kind() string
}

// Token is one decoded sub-token of a chat generation.
type Token struct {
	Token string
}

// Image carries generated images as data-URL attachments.
type Image struct {
	Attachments []session.Attachment
}

// Error is a terminal failure for the current operation.
type Error struct {
	Message string
}

// Done ends a stream. Chat streams attach generation stats.
type Done struct {
	Stats any
}

// Progress reports download completion as a 0-100 percentage.
type Progress struct {
	File    string
	Percent int
}

// Log forwards a line of child-process output.
type Log struct {
	Message string
}

// Cancelled tells the client a download was stopped on request.
type Cancelled struct{}

// Finished reports the final installed path of a download.
type Finished struct {
	Path string
}

func (Token) Kind() string     { return "token" }
func (Image) Kind() string     { return "image" }
func (Error) Kind() string     { return "error" }
func (Done) Kind() string      { return "done" }
func (Progress) Kind() string  { return "progress" }
func (Log) Kind() string       { return "log" }
func (Cancelled) Kind() string { return "cancelled" }
func (Finished) Kind() string  { return "finished" }

// Marshal renders a frame as its wire JSON with the type discriminator.
func Marshal(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Token:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Token string `json:"token"`
		}{"token", v.Token})
	case Image:
		return json.Marshal(struct {
			Type        string               `json:"type"`
			Attachments []session.Attachment `json:"attachments"`
		}{"image", v.Attachments})
	case Error:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{"error", v.Message})
	case Done:
		return json.Marshal(struct {
			Type  string `json:"type"`
			Stats any    `json:"stats,omitempty"`
		}{"done", v.Stats})
	case Progress:
		return json.Marshal(struct {
			Type    string `json:"type"`
			File    string `json:"file"`
			Percent int    `json:"percent"`
		}{"progress", v.File, v.Percent})
	case Log:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{"log", v.Message})
	case Cancelled:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"cancelled"})
	case Finished:
		return json.Marshal(struct {
			Type string `json:"type"`
			Path string `json:"path"`
		}{"finished", v.Path})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{f.Kind()})
	}
}
