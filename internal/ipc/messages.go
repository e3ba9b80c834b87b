package ipc

import "github.com/roelfdiedericks/idlenpu/internal/session"

// Command types accepted by the inference worker.
const (
	CmdLoad     = "load"
	CmdGenerate = "generate"
	CmdStop     = "stop"
	CmdShutdown = "shutdown"
)

// Event types emitted by the inference worker.
const (
	EvtHello     = "hello"
	EvtLoadStage = "load_stage"
	EvtLoaded    = "loaded"
	EvtToken     = "token"
	EvtImage     = "image"
	EvtError     = "error"
	EvtFinished  = "finished"
)

// Command is one host-to-worker instruction. Fields beyond Type are
// populated per command kind.
type Command struct {
	Type string `json:"type"`

	// load
	Source                 string `json:"source,omitempty"`
	ModelID                string `json:"model_id,omitempty"`
	Path                   string `json:"path,omitempty"`
	Device                 string `json:"device,omitempty"`
	MaxPromptLen           int    `json:"max_prompt_len,omitempty"`
	ImageMaxSequenceLength int    `json:"image_max_sequence_length,omitempty"`
	CacheBust              string `json:"cache_bust,omitempty"`

	// generate
	Messages []session.Message `json:"messages,omitempty"`
	Config   map[string]any    `json:"config,omitempty"`
}

// Event is one worker-to-host report.
type Event struct {
	Type string `json:"type"`

	// hello
	PID     int      `json:"pid,omitempty"`
	Devices []string `json:"devices,omitempty"`

	// load_stage / error
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`

	// loaded
	ModelID string `json:"model_id,omitempty"`
	Path    string `json:"path,omitempty"`
	Device  string `json:"device,omitempty"`
	Kind    string `json:"kind,omitempty"`

	// token / image
	Token       string               `json:"token,omitempty"`
	Attachments []session.Attachment `json:"attachments,omitempty"`

	// finished
	Stats *Stats `json:"stats,omitempty"`
}

// Stats summarizes one generation.
type Stats struct {
	Tokens int     `json:"tokens"`
	Time   float64 `json:"time"`
	Speed  float64 `json:"speed"`
	Images int     `json:"images,omitempty"`
}

// DownloadEvent is one download-child-to-host report.
type DownloadEvent struct {
	Type    string `json:"type"` // progress, log, error, finished, done
	File    string `json:"file,omitempty"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}
