// Package ipc frames the command and event traffic between the host and its
// child processes: 4-byte big-endian length prefix, JSON body. Commands ride
// the child's stdin, events its stdout.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame. Image events carry multi-megabyte
// data URLs, so the cap is generous.
const MaxFrameSize = 64 << 20

// WriteFrame encodes v and writes one length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one frame into v. A clean end of stream surfaces as
// io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Writer serializes concurrent frame writes onto one stream. The host sends
// load, generate and stop commands from different handler goroutines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send writes one frame.
func (fw *Writer) Send(v any) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, v)
}

// Reader decodes a frame stream. It is single-consumer.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next reads the next frame into v.
func (fr *Reader) Next(v any) error {
	return ReadFrame(fr.r, v)
}
