package session

import (
	"encoding/base64"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/roelfdiedericks/idlenpu/internal/config"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Attachment is a file carried by a message: plain text, or a
// data:<mime>;base64 URL for images.
type Attachment struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Mime      string `json:"mime,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Size      int64  `json:"size"`
}

// KnownKinds are the attachment kinds the application materializes. Other
// declared kinds are stored verbatim.
var KnownKinds = map[string]bool{"text": true, "image": true}

// Sanitize normalizes attachments before they are stored: names are trimmed
// and capped at 200 runes, empty entries dropped, kinds inferred, oversized
// text truncated to valid UTF-8 and the decoded byte size computed.
func Sanitize(attachments []Attachment) []Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" || a.Content == "" {
			continue
		}
		if runes := []rune(a.Name); len(runes) > 200 {
			a.Name = string(runes[:200])
		}

		a.Kind = strings.ToLower(strings.TrimSpace(a.Kind))
		if a.Kind == "" {
			a.Kind = inferKind(a.Mime, a.Content)
		} else if !KnownKinds[a.Kind] {
			L_warn("session: unknown attachment kind", "name", a.Name, "kind", a.Kind)
		}

		if a.Kind == "text" && len(a.Content) > config.MaxFileBytes {
			a.Content = strings.ToValidUTF8(a.Content[:config.MaxFileBytes], "")
			a.Truncated = true
		}

		if a.Mime == "" {
			a.Mime = detectMime(a.Content)
		}
		a.Size = attachmentSize(a.Content)
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func inferKind(mime, content string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/") ||
		strings.HasPrefix(content, "data:image/") {
		return "image"
	}
	return "text"
}

func detectMime(content string) string {
	if m, raw, ok := ParseDataURL(content); ok {
		if m != "" {
			return m
		}
		return mimetype.Detect(raw).String()
	}
	return mimetype.Detect([]byte(content)).String()
}

// attachmentSize is the decoded byte length for base64 data URLs, otherwise
// the UTF-8 byte length of the content.
func attachmentSize(content string) int64 {
	if content == "" {
		return 0
	}
	if _, raw, ok := ParseDataURL(content); ok {
		return int64(len(raw))
	}
	return int64(len(content))
}

// ParseDataURL splits a data:<mime>;base64,<payload> URL into its mime type
// and decoded payload. ok is false for anything else.
func ParseDataURL(content string) (mime string, raw []byte, ok bool) {
	if !strings.HasPrefix(content, "data:") {
		return "", nil, false
	}
	header, payload, found := strings.Cut(content, ",")
	if !found || !strings.Contains(header, "base64") {
		return "", nil, false
	}
	mime = strings.TrimPrefix(header, "data:")
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return "", nil, false
	}
	return mime, raw, true
}
