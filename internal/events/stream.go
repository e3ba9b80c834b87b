package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the channel depth of a stream.
const DefaultBuffer = 64

// Stream is a bounded frame channel between one producer (a supervisor's
// demux loop) and one consumer (an SSE handler). Publish applies the
// backpressure policy: log frames are dropped after a short blocked wait,
// progress frames coalesce to the latest value, and everything else blocks
// until delivered or the stream is cancelled.
type Stream struct {
	ch        chan Frame
	done      chan struct{}
	cancelled atomic.Bool

	// budget is how long a droppable frame may block before the policy
	// kicks in.
	budget time.Duration

	mu      sync.Mutex
	pending *Progress

	closeOnce  sync.Once
	cancelOnce sync.Once
}

// NewStream returns a stream with the default buffer size.
func NewStream() *Stream {
	return NewStreamSize(DefaultBuffer)
}

// NewStreamSize returns a stream whose channel holds size frames.
func NewStreamSize(size int) *Stream {
	if size < 1 {
		size = 1
	}
	return &Stream{
		ch:     make(chan Frame, size),
		done:   make(chan struct{}),
		budget: time.Second,
	}
}

// Frames is the consumer side. It is closed by Close.
func (s *Stream) Frames() <-chan Frame { return s.ch }

// Publish delivers f to the consumer. Critical frames (token, image, error,
// done, finished, cancelled) block until delivered; a cancelled stream
// swallows them instead of wedging the producer.
func (s *Stream) Publish(f Frame) {
	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch v := f.(type) {
	case Progress:
		// Latest value wins; older undelivered progress is obsolete.
		s.pending = &v
		if s.offer(*s.pending, s.budget) {
			s.pending = nil
		}
	case Log:
		if s.pending != nil {
			// An undelivered progress frame must go first. If there is
			// still no room, the log line loses.
			if !s.offer(*s.pending, 0) {
				return
			}
			s.pending = nil
		}
		s.offer(v, s.budget)
	default:
		s.flushLocked()
		s.deliver(f)
	}
}

// Close flushes any coalesced progress and closes the frame channel. Only
// the producer may call it, after its final Publish.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.flushLocked()
		s.mu.Unlock()
		close(s.ch)
	})
}

// Cancel flips the stream into drain-and-discard mode. Called by the HTTP
// handler when the client disconnects so producers never block on a dead
// consumer.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.done)
		go func() {
			for range s.ch {
			}
		}()
	})
}

// Cancelled reports whether the consumer has gone away.
func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

func (s *Stream) flushLocked() {
	if s.pending == nil {
		return
	}
	s.deliver(*s.pending)
	s.pending = nil
}

// deliver blocks until the frame is accepted or the stream is cancelled.
func (s *Stream) deliver(f Frame) bool {
	select {
	case s.ch <- f:
		return true
	case <-s.done:
		return false
	}
}

// offer tries to send without exceeding budget. A zero budget means a single
// non-blocking attempt.
func (s *Stream) offer(f Frame, budget time.Duration) bool {
	select {
	case s.ch <- f:
		return true
	case <-s.done:
		return false
	default:
	}
	if budget <= 0 {
		return false
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case s.ch <- f:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		return false
	}
}
