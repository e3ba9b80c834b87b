package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/events"
	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// finishedStream builds a pre-published, closed generation stream.
func finishedStream(frames ...events.Frame) *events.Stream {
	st := events.NewStream()
	for _, f := range frames {
		st.Publish(f)
	}
	st.Close()
	return st
}

func TestChatStreamHappyPath(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.worker.genStream = finishedStream(
		events.Token{Token: "Hel"},
		events.Token{Token: "lo"},
		events.Done{Stats: map[string]any{"new_tokens": 2}},
	)

	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		fmt.Sprintf(`{"session_id":%q,"text":"Hello there"}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	frames := sseFrames(t, rec)
	kinds := frameKinds(frames)
	if len(kinds) != 3 || kinds[0] != "token" || kinds[1] != "token" || kinds[2] != "done" {
		t.Fatalf("frame kinds = %v", kinds)
	}
	if frames[0]["token"] != "Hel" {
		t.Errorf("first token = %v", frames[0]["token"])
	}

	history, err := env.store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Role != "user" || history[0].Content != "Hello there" {
		t.Errorf("user turn = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "Hello" {
		t.Errorf("assistant turn = %+v", history[1])
	}

	after, err := env.store.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Title != "Hello there" {
		t.Errorf("title = %q, want Hello there", after.Title)
	}
	if got := env.store.Current(); got != sess.ID {
		t.Errorf("current = %q, want %s", got, sess.ID)
	}

	if len(env.worker.genMsgs) == 0 || env.worker.genMsgs[0].Role != "system" {
		t.Errorf("prompt = %+v, want a leading system message", env.worker.genMsgs)
	}
	last := env.worker.genMsgs[len(env.worker.genMsgs)-1]
	if last.Role != "user" || last.Content != "Hello there" {
		t.Errorf("prompt tail = %+v", last)
	}
	if v, ok := env.worker.genCfg["max_new_tokens"].(int); !ok || v != 1024 {
		t.Errorf("max_new_tokens = %v, want default 1024", env.worker.genCfg["max_new_tokens"])
	}
}

func TestChatStreamConfigOverrides(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.worker.genStream = finishedStream(events.Done{})

	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		fmt.Sprintf(`{"session_id":%q,"text":"hi","config":{"max_new_tokens":256,"system_prompt":""}}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if env.worker.genCfg["max_new_tokens"] != float64(256) {
		t.Errorf("max_new_tokens = %v, want 256", env.worker.genCfg["max_new_tokens"])
	}
	// An empty system prompt suppresses the system message entirely.
	if len(env.worker.genMsgs) == 0 || env.worker.genMsgs[0].Role != "user" {
		t.Errorf("prompt = %+v, want no system message", env.worker.genMsgs)
	}
}

func TestChatStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	wantDetail(t, env.do(t, http.MethodPost, "/api/chat/stream",
		`{"session_id":"nope","text":"hi"}`), http.StatusNotFound, "Session not found")
	if env.worker.genCalls != 0 {
		t.Errorf("generate calls = %d, want 0", env.worker.genCalls)
	}
}

func TestChatStreamStartFailureStreamsError(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.worker.genErr = errors.New("Model not loaded")

	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		fmt.Sprintf(`{"session_id":%q,"text":"hi"}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want SSE 200", rec.Code)
	}
	frames := sseFrames(t, rec)
	if len(frames) != 1 || frames[0]["type"] != "error" || frames[0]["message"] != "Model not loaded" {
		t.Fatalf("frames = %v", frames)
	}

	// The user turn is already persisted by the time the start fails.
	history, err := env.store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Role != "user" {
		t.Errorf("history = %+v", history)
	}
}

func TestChatStreamFoldsTextAttachments(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.worker.genStream = finishedStream(events.Done{})

	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		fmt.Sprintf(`{"session_id":%q,"text":"Summarize","attachments":[{"name":"notes.txt","content":"alpha beta"}]}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	last := env.worker.genMsgs[len(env.worker.genMsgs)-1]
	want := "Summarize\n\n[Attachments]\n[File: notes.txt]\nalpha beta\n[/File]"
	if last.Content != want {
		t.Errorf("prompt content = %q, want %q", last.Content, want)
	}
	if len(last.Attachments) != 0 {
		t.Errorf("prompt attachments = %+v, want none after folding", last.Attachments)
	}

	// Stored history keeps the attachment structured, not folded.
	history, err := env.store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history[0].Attachments) != 1 || history[0].Attachments[0].Kind != "text" {
		t.Errorf("stored attachments = %+v", history[0].Attachments)
	}
	if history[0].Content != "Summarize" {
		t.Errorf("stored content = %q", history[0].Content)
	}
}

func TestChatStreamKeepsImageAttachments(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.worker.genStream = finishedStream(events.Done{})

	rec := env.do(t, http.MethodPost, "/api/chat/stream",
		fmt.Sprintf(`{"session_id":%q,"text":"Look","attachments":[{"name":"pic.png","content":"data:image/png;base64,aGk="}]}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	last := env.worker.genMsgs[len(env.worker.genMsgs)-1]
	if last.Content != "Look" {
		t.Errorf("prompt content = %q, want attachment left out of the text", last.Content)
	}
	if len(last.Attachments) != 1 || last.Attachments[0].Kind != "image" {
		t.Errorf("prompt attachments = %+v, want the image kept", last.Attachments)
	}
}

// flushCountingRecorder signals once a target number of flushes happened,
// which marks the moment all prior frames have been written out.
type flushCountingRecorder struct {
	*httptest.ResponseRecorder
	mu      sync.Mutex
	flushes int
	target  int
	reached chan struct{}
}

func newFlushCountingRecorder(target int) *flushCountingRecorder {
	return &flushCountingRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		target:           target,
		reached:          make(chan struct{}),
	}
}

func (f *flushCountingRecorder) Flush() {
	f.ResponseRecorder.Flush()
	f.mu.Lock()
	f.flushes++
	if f.flushes == f.target {
		close(f.reached)
	}
	f.mu.Unlock()
}

func TestChatStreamDisconnectPersistsPartialText(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// The stream stays open: from the handler's view the generation is
	// still running when the client goes away.
	st := events.NewStream()
	st.Publish(events.Token{Token: "Hel"})
	st.Publish(events.Token{Token: "lo"})
	env.worker.genStream = st

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream",
		strings.NewReader(fmt.Sprintf(`{"session_id":%q,"text":"hi"}`, sess.ID))).WithContext(ctx)

	// One flush for the headers, one per token.
	rec := newFlushCountingRecorder(3)
	done := make(chan struct{})
	go func() {
		env.srv.server.Handler.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-rec.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("tokens never reached the client")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	if !st.Cancelled() {
		t.Error("stream was not cancelled")
	}
	if env.worker.stops != 1 {
		t.Errorf("worker stops = %d, want 1", env.worker.stops)
	}
	history, err := env.store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[1].Role != "assistant" || history[1].Content != "Hello" {
		t.Errorf("partial assistant turn = %+v", history[1])
	}
}

func TestChatRegenerateValidations(t *testing.T) {
	env := newTestEnv(t)

	wantDetail(t, env.do(t, http.MethodPost, "/api/chat/regenerate",
		`{"session_id":"nope"}`), http.StatusNotFound, "Session not found")

	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	wantDetail(t, env.do(t, http.MethodPost, "/api/chat/regenerate",
		fmt.Sprintf(`{"session_id":%q}`, sess.ID)), http.StatusBadRequest, "No messages to regenerate")

	seedTurns(t, env, sess.ID, "q1", "a1")
	wantDetail(t, env.do(t, http.MethodPost, "/api/chat/regenerate",
		fmt.Sprintf(`{"session_id":%q}`, sess.ID)), http.StatusBadRequest, "Last message must be a user message")
}

func TestChatRegenerateRerunsLastUserTurn(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.store.Create("", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	seedTurns(t, env, sess.ID, "q1")
	env.worker.genStream = finishedStream(events.Token{Token: "answer"}, events.Done{})

	rec := env.do(t, http.MethodPost, "/api/chat/regenerate",
		fmt.Sprintf(`{"session_id":%q}`, sess.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	kinds := frameKinds(sseFrames(t, rec))
	if len(kinds) != 2 || kinds[0] != "token" || kinds[1] != "done" {
		t.Fatalf("frame kinds = %v", kinds)
	}

	last := env.worker.genMsgs[len(env.worker.genMsgs)-1]
	if last.Role != "user" || last.Content != "q1" {
		t.Errorf("prompt tail = %+v", last)
	}

	// No second user turn: regenerate reuses the history as-is.
	history, err := env.store.History(sess.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[1].Role != "assistant" || history[1].Content != "answer" {
		t.Errorf("history = %+v", history)
	}
}

func TestChatStopSignalsWorker(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/chat/stop", "")
	if rec.Code != http.StatusOK || bodyMap(t, rec)["ok"] != true {
		t.Fatalf("stop: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if env.worker.stops != 1 {
		t.Errorf("stops = %d, want 1", env.worker.stops)
	}
}

func TestPromptWindowAndSystemPrompt(t *testing.T) {
	history := make([]session.Message, 0, 25)
	for i := 0; i < 25; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, session.Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}

	out := buildMessages(history, config.GenerationConfig{"max_history_turns": 3, "system_prompt": "be brief"})
	if len(out) != 7 {
		t.Fatalf("prompt length = %d, want system + last 6", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be brief" {
		t.Errorf("prompt head = %+v", out[0])
	}
	if out[1].Content != "m19" {
		t.Errorf("window start = %q, want m19", out[1].Content)
	}

	// Zero turns still sends the newest message so the model sees the question.
	out = buildMessages(history, config.GenerationConfig{"max_history_turns": 0, "system_prompt": ""})
	if len(out) != 1 || out[0].Content != "m24" {
		t.Errorf("zero-turn prompt = %+v", out)
	}

	// A history shorter than the window goes through whole.
	out = buildMessages(history[:4], config.GenerationConfig{"max_history_turns": 10, "system_prompt": ""})
	if len(out) != 4 {
		t.Errorf("short history prompt length = %d, want 4", len(out))
	}
}

func TestHistoryTurnsCoercion(t *testing.T) {
	cases := []struct {
		name string
		val  any
		want int
	}{
		{"int", 3, 3},
		{"float64", 2.0, 2},
		{"int64", int64(5), 5},
		{"absent", nil, 10},
		{"string", "7", 10},
	}
	for _, tc := range cases {
		cfg := config.GenerationConfig{}
		if tc.val != nil {
			cfg["max_history_turns"] = tc.val
		}
		if got := historyTurns(cfg); got != tc.want {
			t.Errorf("%s: turns = %d, want %d", tc.name, got, tc.want)
		}
	}
}
