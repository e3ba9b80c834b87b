package http

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/roelfdiedericks/idlenpu/internal/session"
)

// createSession makes a persistent session through the API and returns its id.
func createSession(t *testing.T, env *testEnv, title string) string {
	t.Helper()

	body := "{}"
	if title != "" {
		body = fmt.Sprintf(`{"title":%q}`, title)
	}
	rec := env.do(t, http.MethodPost, "/api/sessions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	id, _ := bodyMap(t, rec)["id"].(string)
	if id == "" {
		t.Fatal("create session: empty id")
	}
	return id
}

// seedTurns appends alternating user/assistant messages straight into the store.
func seedTurns(t *testing.T, env *testEnv, sid string, turns ...string) {
	t.Helper()

	for i, content := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := env.store.AddMessage(sid, role, content, nil, nil); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestSessionCreateAndList(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sessions", `{"title":"Trip plan"}`)
	m := bodyMap(t, rec)
	if m["title"] != "Trip plan" || m["is_temporary"] != false {
		t.Errorf("create reply = %v", m)
	}

	second := createSession(t, env, "")
	rec = env.do(t, http.MethodGet, "/api/sessions", "")
	m = bodyMap(t, rec)
	if m["current_session_id"] != second {
		t.Errorf("current = %v, want %s", m["current_session_id"], second)
	}
	sessions, ok := m["sessions"].([]any)
	if !ok || len(sessions) != 2 {
		t.Fatalf("sessions = %v", m["sessions"])
	}
	titles := make(map[any]bool)
	for _, s := range sessions {
		titles[s.(map[string]any)["title"]] = true
	}
	if !titles["Trip plan"] || !titles[session.DefaultTitle] {
		t.Errorf("titles = %v", titles)
	}
}

func TestSessionCreateTemporary(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/sessions", `{"is_temporary":true}`)
	m := bodyMap(t, rec)
	if m["is_temporary"] != true {
		t.Errorf("reply = %v", m)
	}
	id, _ := m["id"].(string)
	if !env.store.IsTemporary(id) {
		t.Errorf("session %s is not tracked as temporary", id)
	}
}

func TestSessionSelect(t *testing.T) {
	env := newTestEnv(t)
	first := createSession(t, env, "first")
	createSession(t, env, "second")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+first+"/select", "")
	if rec.Code != http.StatusOK || bodyMap(t, rec)["ok"] != true {
		t.Fatalf("select: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := env.store.Current(); got != first {
		t.Errorf("current = %q, want %s", got, first)
	}

	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/nope/select", ""),
		http.StatusNotFound, "Session not found")
}

func TestSessionRename(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "before")

	rec := env.do(t, http.MethodPut, "/api/sessions/"+id, `{"title":"after"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	sess, err := env.store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Title != "after" {
		t.Errorf("title = %q, want after", sess.Title)
	}

	wantDetail(t, env.do(t, http.MethodPut, "/api/sessions/"+id, `{"title":""}`),
		http.StatusBadRequest, "Title required")
	wantDetail(t, env.do(t, http.MethodPut, "/api/sessions/nope", `{"title":"x"}`),
		http.StatusNotFound, "Session not found")
}

func TestSessionDelete(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "doomed")

	rec := env.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	m := bodyMap(t, rec)
	if m["ok"] != true {
		t.Errorf("reply = %v", m)
	}
	// Deleting the current session leaves nothing selected.
	if m["current_session_id"] != "" {
		t.Errorf("current after delete = %v, want empty", m["current_session_id"])
	}

	wantDetail(t, env.do(t, http.MethodDelete, "/api/sessions/"+id, ""),
		http.StatusNotFound, "Session not found")
}

func TestSessionMessages(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "")

	m := bodyMap(t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", ""))
	msgs, ok := m["messages"].([]any)
	if !ok {
		t.Fatalf("messages is %v, want an empty array", m["messages"])
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %v, want empty", msgs)
	}

	seedTurns(t, env, id, "q1", "a1")
	m = bodyMap(t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/messages", ""))
	msgs, _ = m["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "q1" {
		t.Errorf("messages[0] = %v", first)
	}

	wantDetail(t, env.do(t, http.MethodGet, "/api/sessions/nope/messages", ""),
		http.StatusNotFound, "Session not found")
}

func TestMessageEditTruncatesAndRetitles(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "")
	seedTurns(t, env, id, "q1", "a1", "q2", "a2")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/edit",
		`{"index":2,"content":"revised"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	history, err := env.store.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[2].Content != "revised" {
		t.Errorf("history after edit = %+v", history)
	}

	// Editing the opening message re-derives the title from its new text.
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/edit",
		`{"index":0,"content":"Fresh topic"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit first: status = %d", rec.Code)
	}
	sess, err := env.store.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Title != "Fresh topic" {
		t.Errorf("title = %q, want Fresh topic", sess.Title)
	}
	history, _ = env.store.History(id)
	if len(history) != 1 {
		t.Errorf("history after first-message edit = %+v", history)
	}
}

func TestMessageEditRejections(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "")
	seedTurns(t, env, id, "q1", "a1", "q2", "a2")

	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/edit",
		`{"index":1,"content":"x"}`), http.StatusBadRequest, "Only user messages can be edited")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/edit",
		`{"index":9,"content":"x"}`), http.StatusBadRequest, "Message index out of range")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/edit",
		`{"index":-1,"content":"x"}`), http.StatusBadRequest, "Message index out of range")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/nope/messages/edit",
		`{"index":0,"content":"x"}`), http.StatusNotFound, "Session not found")

	history, err := env.store.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("history mutated by rejected edits: %+v", history)
	}
}

func TestMessageRetry(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "")
	seedTurns(t, env, id, "q1", "a1", "q2", "a2")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/retry", `{"index":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: status = %d (body %s)", rec.Code, rec.Body.String())
	}
	history, err := env.store.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[2].Role != "user" || history[2].Content != "q2" {
		t.Errorf("history after retry = %+v", history)
	}

	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/retry",
		`{"index":2}`), http.StatusBadRequest, "Only assistant messages can be retried")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages/retry",
		`{"index":9}`), http.StatusBadRequest, "Message index out of range")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/nope/messages/retry",
		`{"index":0}`), http.StatusNotFound, "Session not found")
}

func TestSessionSubrouteFallthrough(t *testing.T) {
	env := newTestEnv(t)
	id := createSession(t, env, "")

	wantDetail(t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/bogus", ""),
		http.StatusNotFound, "Not found")
	wantDetail(t, env.do(t, http.MethodPost, "/api/sessions/"+id, ""),
		http.StatusNotFound, "Not found")
}
