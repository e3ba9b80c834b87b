package events

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/session"
)

func TestMarshalWireFormat(t *testing.T) {
	cases := []struct {
		frame Frame
		want  string
	}{
		{Token{Token: "he"}, `{"type":"token","token":"he"}`},
		{Error{Message: "boom"}, `{"type":"error","message":"boom"}`},
		{Done{}, `{"type":"done"}`},
		{Done{Stats: map[string]int{"tokens": 3}}, `{"type":"done","stats":{"tokens":3}}`},
		{Progress{File: "model.bin", Percent: 0}, `{"type":"progress","file":"model.bin","percent":0}`},
		{Progress{File: "model.bin", Percent: 42}, `{"type":"progress","file":"model.bin","percent":42}`},
		{Log{Message: "fetching"}, `{"type":"log","message":"fetching"}`},
		{Cancelled{}, `{"type":"cancelled"}`},
		{Finished{Path: "/models/m"}, `{"type":"finished","path":"/models/m"}`},
	}
	for _, tc := range cases {
		got, err := Marshal(tc.frame)
		if err != nil {
			t.Fatalf("marshal %T: %v", tc.frame, err)
		}
		if string(got) != tc.want {
			t.Errorf("%T = %s, want %s", tc.frame, got, tc.want)
		}
	}
}

func TestMarshalImageFrame(t *testing.T) {
	f := Image{Attachments: []session.Attachment{{Name: "out.png", Kind: "image", Content: "data:image/png;base64,AA==", Size: 1}}}
	got, err := Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, part := range []string{`"type":"image"`, `"name":"out.png"`, `"kind":"image"`} {
		if !strings.Contains(string(got), part) {
			t.Errorf("missing %s in %s", part, got)
		}
	}
}

func TestStreamPreservesOrderUnderSlowConsumer(t *testing.T) {
	s := NewStreamSize(1)

	go func() {
		for i := 0; i < 10; i++ {
			s.Publish(Token{Token: fmt.Sprintf("t%d", i)})
		}
		s.Publish(Done{})
		s.Close()
	}()

	var got []Frame
	for f := range s.Frames() {
		time.Sleep(time.Millisecond) // slower than the producer
		got = append(got, f)
	}
	if len(got) != 11 {
		t.Fatalf("received %d frames, want 11 (critical frames are never dropped)", len(got))
	}
	for i := 0; i < 10; i++ {
		tok, ok := got[i].(Token)
		if !ok || tok.Token != fmt.Sprintf("t%d", i) {
			t.Fatalf("frame %d = %#v, want token t%d", i, got[i], i)
		}
	}
	if _, ok := got[10].(Done); !ok {
		t.Fatalf("last frame = %#v, want done", got[10])
	}
}

func TestStreamDropsBlockedLogs(t *testing.T) {
	s := NewStreamSize(1)
	s.budget = 5 * time.Millisecond

	s.Publish(Token{Token: "fill"}) // occupies the only slot
	start := time.Now()
	s.Publish(Log{Message: "noise"}) // nobody reading: dropped after budget
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("log publish blocked %v, want roughly the 5ms budget", elapsed)
	}
	s.Close()

	var kinds []string
	for f := range s.Frames() {
		kinds = append(kinds, f.Kind())
	}
	if len(kinds) != 1 || kinds[0] != "token" {
		t.Errorf("frames = %v, want only the token", kinds)
	}
}

func TestStreamCoalescesProgressToLatest(t *testing.T) {
	s := NewStreamSize(1)
	s.budget = 5 * time.Millisecond

	s.Publish(Token{Token: "fill"})
	for _, p := range []int{10, 20, 30} {
		s.Publish(Progress{File: "f", Percent: p})
	}
	closed := make(chan struct{})
	go func() {
		s.Close() // flushes the coalesced slot
		close(closed)
	}()

	var got []Frame
	for f := range s.Frames() {
		got = append(got, f)
	}
	<-closed
	if len(got) != 2 {
		t.Fatalf("frames = %#v, want token then one coalesced progress", got)
	}
	p, ok := got[1].(Progress)
	if !ok || p.Percent != 30 {
		t.Errorf("coalesced frame = %#v, want progress 30", got[1])
	}
}

func TestStreamFlushesPendingProgressBeforeCriticalFrame(t *testing.T) {
	s := NewStreamSize(1)
	s.budget = time.Millisecond

	s.Publish(Token{Token: "fill"})
	s.Publish(Progress{File: "f", Percent: 50}) // parked in the slot

	delivered := make(chan struct{})
	go func() {
		s.Publish(Error{Message: "late"}) // must push progress out first
		s.Close()
		close(delivered)
	}()

	var got []Frame
	for f := range s.Frames() {
		got = append(got, f)
	}
	<-delivered
	if len(got) != 3 {
		t.Fatalf("frames = %#v, want token, progress, error", got)
	}
	if _, ok := got[1].(Progress); !ok {
		t.Errorf("frame 1 = %#v, want the flushed progress", got[1])
	}
	if _, ok := got[2].(Error); !ok {
		t.Errorf("frame 2 = %#v, want the error", got[2])
	}
}

func TestCancelUnblocksProducer(t *testing.T) {
	s := NewStreamSize(1)
	s.Publish(Token{Token: "fill"})

	unblocked := make(chan struct{})
	go func() {
		s.Publish(Token{Token: "stuck"}) // no consumer: blocks until cancel
		close(unblocked)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Cancel()

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after cancel")
	}
	if !s.Cancelled() {
		t.Error("Cancelled() = false after Cancel")
	}
	// Publishing into a cancelled stream is a no-op, not a panic.
	s.Publish(Done{})
	s.Close()
}

func TestServeWritesSSEFrames(t *testing.T) {
	s := NewStream()
	s.Publish(Token{Token: "hi"})
	s.Publish(Done{Stats: map[string]int{"tokens": 1}})
	s.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/chat/stream", nil)
	Serve(rec, req, s, nil)

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	want := "data: {\"type\":\"token\",\"token\":\"hi\"}\n\ndata: {\"type\":\"done\",\"stats\":{\"tokens\":1}}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q\nwant %q", rec.Body.String(), want)
	}
}

func TestServeCancelsOnClientDisconnect(t *testing.T) {
	s := NewStreamSize(1)

	req := httptest.NewRequest("POST", "/api/chat/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	cancelCalled := make(chan struct{})
	served := make(chan struct{})
	go func() {
		Serve(httptest.NewRecorder(), req, s, func() { close(cancelCalled) })
		close(served)
	}()

	cancel()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
	select {
	case <-cancelCalled:
	default:
		t.Error("onCancel not invoked")
	}
	if !s.Cancelled() {
		t.Error("stream not cancelled after disconnect")
	}
	// The producer can still finish against the drained stream.
	s.Publish(Token{Token: "late"})
	s.Publish(Done{})
	s.Close()
}
