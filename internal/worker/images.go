package worker

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// decodeUserImages collects the decodable image attachments of the most
// recent user message. Undecodable entries are skipped, not fatal.
func decodeUserImages(messages []session.Message) []image.Image {
	var last *session.Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = &messages[i]
			break
		}
	}
	if last == nil {
		return nil
	}

	var imgs []image.Image
	for _, att := range last.Attachments {
		if !strings.EqualFold(att.Kind, "image") {
			continue
		}
		img, err := decodeImageData(att.Content)
		if err != nil {
			L_warn("worker: skipping undecodable image attachment", "name", att.Name, "error", err)
			continue
		}
		imgs = append(imgs, img)
	}
	return imgs
}

// decodeImageData accepts a base64 data URL or a bare base64 payload.
func decodeImageData(content string) (image.Image, error) {
	var raw []byte
	if _, payload, ok := session.ParseDataURL(content); ok {
		raw = payload
	} else {
		content = strings.TrimSpace(content)
		var err error
		raw, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(content)
		}
		if err != nil {
			return nil, fmt.Errorf("base64 decode failed: %w", err)
		}
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("image decode failed: %w", err)
	}
	return img, nil
}

// encodeImages converts pipeline output to PNG data-URL attachments.
// Frames exceeding maxBytes are dropped rather than truncated.
func encodeImages(imgs []image.Image, maxBytes int) []session.Attachment {
	var out []session.Attachment
	for i, img := range imgs {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			L_warn("worker: PNG encode failed", "index", i, "error", err)
			continue
		}
		if buf.Len() > maxBytes {
			L_warn("worker: dropping oversized generated image", "index", i, "bytes", buf.Len())
			continue
		}
		out = append(out, session.Attachment{
			Name:    fmt.Sprintf("generated_%d.png", i+1),
			Kind:    "image",
			Mime:    "image/png",
			Content: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			Size:    int64(buf.Len()),
		})
	}
	return out
}
