// Package session persists chat history: sessions, messages, attachments and
// singleton app state in one SQLite file, plus volatile temporary sessions
// that share the same id space but never touch disk.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Error types
type storeError string

func (e storeError) Error() string { return string(e) }

const (
	ErrNotFound     storeError = "session not found"
	ErrIndexRange   storeError = "message index out of range"
	ErrRoleMismatch storeError = "unexpected message role"
)

// Session is one conversation, persistent or temporary.
type Session struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Temporary bool    `json:"is_temporary"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Message is one turn of a conversation. Meta carries free-form extras
// (e.g. think_duration) that must round-trip untouched.
type Message struct {
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Meta        map[string]any `json:"meta,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Store owns the sessions database. Every mutation is serialized under one
// writer mutex; WAL mode lets readers overlap.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	temp        map[string]*tempSession
	currentTemp string // current session id when it points at a temp session
}

type tempSession struct {
	Session
	history []Message
}

const currentSchemaVersion = 1

const stateCurrentSession = "current_session_id"

// DefaultTitle is assigned when a session is created without one.
const DefaultTitle = "New Chat"

// Open opens (creating if needed) the sessions database at path, runs schema
// migrations and imports a legacy sessions.json sitting beside it.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, temp: make(map[string]*tempSession)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	if err := s.importLegacy(filepath.Join(filepath.Dir(path), "sessions.json")); err != nil {
		L_warn("session: legacy import failed", "error", err)
	}

	L_info("session: store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance jobs.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		L_debug("session: schema up to date", "version", version)
		return nil
	}

	L_info("session: migrating schema", "from", version, "to", currentSchemaVersion)
	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i, m := range migrations {
		v := i + 1
		if v <= version {
			continue
		}
		if err := m(s.db); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version(version, applied_at) VALUES(?, ?)", v, now()); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at REAL
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT,
			is_temporary INTEGER DEFAULT 0,
			created_at REAL,
			updated_at REAL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT,
			role TEXT,
			content TEXT,
			created_at REAL,
			meta TEXT,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id INTEGER,
			session_id TEXT,
			name TEXT,
			kind TEXT,
			mime TEXT,
			content TEXT,
			truncated INTEGER DEFAULT 0,
			size INTEGER DEFAULT 0,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_attachments_session ON attachments(session_id, id);
	`)
	return err
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Create makes a new session and marks it current. Temporary sessions stay
// in memory only.
func (s *Store) Create(title string, temporary bool) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = DefaultTitle
	}
	ts := now()
	sess := Session{ID: uuid.NewString(), Title: title, Temporary: temporary, CreatedAt: ts, UpdatedAt: ts}

	if temporary {
		s.temp[sess.ID] = &tempSession{Session: sess}
		s.currentTemp = sess.ID
		L_debug("session: temporary session created", "id", sess.ID)
		return sess, nil
	}

	if _, err := s.db.Exec(
		"INSERT INTO sessions(id, title, is_temporary, created_at, updated_at) VALUES(?, ?, 0, ?, ?)",
		sess.ID, sess.Title, ts, ts,
	); err != nil {
		return Session{}, fmt.Errorf("insert session failed: %w", err)
	}
	s.currentTemp = ""
	if err := s.setState(stateCurrentSession, sess.ID); err != nil {
		return Session{}, err
	}
	L_debug("session: created", "id", sess.ID, "title", sess.Title)
	return sess, nil
}

// Delete removes a session and everything it owns. Deleting the current
// session leaves current unset.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.temp[id]; ok {
		delete(s.temp, id)
		if s.currentTemp == id {
			s.currentTemp = ""
		}
		return nil
	}

	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	cur, _ := s.getState(stateCurrentSession)
	if cur == id {
		if err := s.setState(stateCurrentSession, ""); err != nil {
			return err
		}
	}
	L_debug("session: deleted", "id", id)
	return nil
}

// List returns persistent sessions ordered by updated_at descending,
// followed by temporary sessions in the same order.
func (s *Store) List() ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, title, created_at, updated_at FROM sessions WHERE is_temporary = 0 ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var title sql.NullString
		if err := rows.Scan(&sess.ID, &title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Title = title.String
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	temps := make([]Session, 0, len(s.temp))
	for _, t := range s.temp {
		temps = append(temps, t.Session)
	}
	sort.Slice(temps, func(i, j int) bool { return temps[i].UpdatedAt > temps[j].UpdatedAt })
	return append(out, temps...), nil
}

// Get returns the session row for id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (Session, error) {
	if t, ok := s.temp[id]; ok {
		return t.Session, nil
	}
	var sess Session
	var title sql.NullString
	var isTemp int
	err := s.db.QueryRow("SELECT id, title, is_temporary, created_at, updated_at FROM sessions WHERE id = ?", id).
		Scan(&sess.ID, &title, &isTemp, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Title = title.String
	sess.Temporary = isTemp != 0
	return sess, nil
}

// History returns the ordered messages of a session with attachments inlined.
func (s *Store) History(id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(id)
}

func (s *Store) historyLocked(id string) ([]Message, error) {
	if t, ok := s.temp[id]; ok {
		out := make([]Message, len(t.history))
		copy(out, t.history)
		return out, nil
	}
	if _, err := s.getLocked(id); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT id, role, content, meta FROM messages WHERE session_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("load messages failed: %w", err)
	}
	defer rows.Close()

	type indexed struct {
		msg   Message
		rowID int64
	}
	var msgs []indexed
	for rows.Next() {
		var m indexed
		var meta sql.NullString
		if err := rows.Scan(&m.rowID, &m.msg.Role, &m.msg.Content, &meta); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			var extra map[string]any
			if err := json.Unmarshal([]byte(meta.String), &extra); err == nil {
				m.msg.Meta = extra
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	atts, err := s.db.Query(
		"SELECT message_id, name, kind, mime, content, truncated, size FROM attachments WHERE session_id = ? ORDER BY id ASC", id)
	if err != nil {
		return nil, fmt.Errorf("load attachments failed: %w", err)
	}
	defer atts.Close()

	byMessage := make(map[int64][]Attachment)
	for atts.Next() {
		var mid int64
		var a Attachment
		var mime sql.NullString
		var truncated int
		if err := atts.Scan(&mid, &a.Name, &a.Kind, &mime, &a.Content, &truncated, &a.Size); err != nil {
			return nil, err
		}
		a.Mime = mime.String
		a.Truncated = truncated != 0
		byMessage[mid] = append(byMessage[mid], a)
	}
	if err := atts.Err(); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		m.msg.Attachments = byMessage[m.rowID]
		out = append(out, m.msg)
	}
	return out, nil
}

// AddMessage appends a message with sanitized attachments and bumps the
// session's updated_at. The stored message is returned.
func (s *Store) AddMessage(id, role, content string, meta map[string]any, attachments []Attachment) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{Role: role, Content: content, Meta: meta, Attachments: Sanitize(attachments)}

	if t, ok := s.temp[id]; ok {
		t.history = append(t.history, msg)
		t.UpdatedAt = now()
		return msg, nil
	}
	if _, err := s.getLocked(id); err != nil {
		return Message{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	ts := now()
	var metaJSON any
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return Message{}, fmt.Errorf("encode message meta: %w", err)
		}
		metaJSON = string(b)
	}
	res, err := tx.Exec(
		"INSERT INTO messages(session_id, role, content, created_at, meta) VALUES(?, ?, ?, ?, ?)",
		id, role, content, ts, metaJSON)
	if err != nil {
		return Message{}, fmt.Errorf("insert message failed: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	for _, a := range msg.Attachments {
		if _, err := tx.Exec(
			"INSERT INTO attachments(message_id, session_id, name, kind, mime, content, truncated, size) VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
			msgID, id, a.Name, a.Kind, a.Mime, a.Content, boolInt(a.Truncated), a.Size); err != nil {
			return Message{}, fmt.Errorf("insert attachment failed: %w", err)
		}
	}
	if _, err := tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", ts, id); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// EditMessage replaces the content of the user message at ordinal index and
// drops every message after it. Non-user targets are rejected.
func (s *Store) EditMessage(id string, index int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.temp[id]; ok {
		if index < 0 || index >= len(t.history) {
			return ErrIndexRange
		}
		if t.history[index].Role != "user" {
			return ErrRoleMismatch
		}
		t.history[index].Content = content
		t.history = t.history[:index+1]
		return nil
	}
	if _, err := s.getLocked(id); err != nil {
		return err
	}

	ids, roles, err := s.messageIDs(id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(ids) {
		return ErrIndexRange
	}
	if roles[index] != "user" {
		return ErrRoleMismatch
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("UPDATE messages SET content = ? WHERE id = ?", content, ids[index]); err != nil {
		return fmt.Errorf("edit message failed: %w", err)
	}
	if err := deleteMessages(tx, ids[index+1:]); err != nil {
		return err
	}
	return tx.Commit()
}

// Truncate removes every message with ordinal >= end. Indices past the end
// are a no-op, which makes the operation idempotent.
func (s *Store) Truncate(id string, end int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end < 0 {
		end = 0
	}
	if t, ok := s.temp[id]; ok {
		if end < len(t.history) {
			t.history = t.history[:end]
		}
		return nil
	}
	if _, err := s.getLocked(id); err != nil {
		return err
	}

	ids, _, err := s.messageIDs(id)
	if err != nil {
		return err
	}
	if end >= len(ids) {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deleteMessages(tx, ids[end:]); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear drops the whole history of a session.
func (s *Store) Clear(id string) error {
	return s.Truncate(id, 0)
}

func (s *Store) messageIDs(sessionID string) ([]int64, []string, error) {
	rows, err := s.db.Query(
		"SELECT id, role FROM messages WHERE session_id = ? ORDER BY id ASC", sessionID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var ids []int64
	var roles []string
	for rows.Next() {
		var id int64
		var role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		roles = append(roles, role)
	}
	return ids, roles, rows.Err()
}

func deleteMessages(tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete message failed: %w", err)
		}
	}
	return nil
}

// DeriveTitle shortens raw content into a session title: the first 30 runes
// plus an ellipsis when longer.
func DeriveTitle(raw string) string {
	runes := []rune(raw)
	if len(runes) > 30 {
		return string(runes[:30]) + "..."
	}
	return raw
}

// UpdateTitle derives a title from raw message content and stores it.
func (s *Store) UpdateTitle(id, raw string) (string, error) {
	return s.setTitle(id, DeriveTitle(raw))
}

// Rename stores a caller-provided title verbatim.
func (s *Store) Rename(id, title string) error {
	_, err := s.setTitle(id, title)
	return err
}

func (s *Store) setTitle(id, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.temp[id]; ok {
		t.Title = title
		t.UpdatedAt = now()
		return title, nil
	}
	res, err := s.db.Exec("UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?", title, now(), id)
	if err != nil {
		return "", fmt.Errorf("update title failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return title, nil
}

// Size reports the stored byte weight of a session: message content bytes
// plus attachment sizes.
func (s *Store) Size(id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.temp[id]; ok {
		var total int64
		for _, m := range t.history {
			total += int64(len(m.Content))
			for _, a := range m.Attachments {
				total += a.Size
			}
		}
		return total, nil
	}
	if _, err := s.getLocked(id); err != nil {
		return 0, err
	}

	var msgBytes, attBytes int64
	if err := s.db.QueryRow(
		"SELECT COALESCE(SUM(LENGTH(CAST(content AS BLOB))), 0) FROM messages WHERE session_id = ?", id).
		Scan(&msgBytes); err != nil {
		return 0, err
	}
	if err := s.db.QueryRow(
		"SELECT COALESCE(SUM(size), 0) FROM attachments WHERE session_id = ?", id).
		Scan(&attBytes); err != nil {
		return 0, err
	}
	return msgBytes + attBytes, nil
}

// Current returns the id of the current session, or "" when unset or the
// referenced session no longer exists.
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentTemp != "" {
		if _, ok := s.temp[s.currentTemp]; ok {
			return s.currentTemp
		}
		s.currentTemp = ""
	}
	id, err := s.getState(stateCurrentSession)
	if err != nil || id == "" {
		return ""
	}
	if _, err := s.getLocked(id); err != nil {
		return ""
	}
	return id
}

// SetCurrent marks a session as current. Temporary ids are tracked in memory
// only so a restart cannot resurrect them.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.temp[id]; ok {
		s.currentTemp = id
		return nil
	}
	if _, err := s.getLocked(id); err != nil {
		return err
	}
	s.currentTemp = ""
	return s.setState(stateCurrentSession, id)
}

// IsTemporary reports whether id names an in-memory session.
func (s *Store) IsTemporary(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.temp[id]
	return ok
}

func (s *Store) getState(key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

func (s *Store) setState(key, value string) error {
	if value == "" {
		_, err := s.db.Exec("DELETE FROM app_state WHERE key = ?", key)
		return err
	}
	_, err := s.db.Exec(
		"INSERT INTO app_state(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
		key, value)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
