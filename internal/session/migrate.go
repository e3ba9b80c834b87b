package session

import (
	"encoding/json"
	"fmt"
	"os"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// legacyFile is the pre-database sessions.json layout.
type legacyFile struct {
	Sessions         map[string]legacySession `json:"sessions"`
	CurrentSessionID string                   `json:"current_session_id"`
}

type legacySession struct {
	Title   string           `json:"title"`
	History []map[string]any `json:"history"`
}

// importLegacy imports a sessions.json sitting beside the database, then
// renames it to sessions.json.bak. It only runs while the sessions table is
// empty, so the import is idempotent.
func (s *Store) importLegacy(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var legacy legacyFile
	if err := json.Unmarshal(data, &legacy); err != nil {
		L_warn("session: legacy sessions.json unreadable, skipping import", "error", err)
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := now()
	imported := 0
	for sid, payload := range legacy.Sessions {
		title := payload.Title
		if title == "" {
			title = DefaultTitle
		}
		if _, err := tx.Exec(
			"INSERT INTO sessions(id, title, is_temporary, created_at, updated_at) VALUES(?, ?, 0, ?, ?)",
			sid, title, ts, ts); err != nil {
			return fmt.Errorf("import session %s: %w", sid, err)
		}
		for _, raw := range payload.History {
			role, _ := raw["role"].(string)
			if role == "" {
				role = "user"
			}
			content, _ := raw["content"].(string)
			attachments := legacyAttachments(raw["attachments"])
			meta := make(map[string]any)
			for k, v := range raw {
				switch k {
				case "role", "content", "attachments":
				default:
					meta[k] = v
				}
			}
			var metaJSON any
			if len(meta) > 0 {
				b, err := json.Marshal(meta)
				if err != nil {
					return fmt.Errorf("import message meta: %w", err)
				}
				metaJSON = string(b)
			}
			res, err := tx.Exec(
				"INSERT INTO messages(session_id, role, content, created_at, meta) VALUES(?, ?, ?, ?, ?)",
				sid, role, content, ts, metaJSON)
			if err != nil {
				return fmt.Errorf("import message: %w", err)
			}
			msgID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			for _, a := range Sanitize(attachments) {
				if _, err := tx.Exec(
					"INSERT INTO attachments(message_id, session_id, name, kind, mime, content, truncated, size) VALUES(?, ?, ?, ?, ?, ?, ?, ?)",
					msgID, sid, a.Name, a.Kind, a.Mime, a.Content, boolInt(a.Truncated), a.Size); err != nil {
					return fmt.Errorf("import attachment: %w", err)
				}
			}
		}
		imported++
	}

	if id := legacy.CurrentSessionID; id != "" {
		if _, ok := legacy.Sessions[id]; ok {
			if _, err := tx.Exec(
				"INSERT INTO app_state(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value",
				stateCurrentSession, id); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := os.Rename(path, path+".bak"); err != nil {
		L_warn("session: could not rename legacy sessions.json", "error", err)
	}
	L_info("session: imported legacy sessions.json", "sessions", imported)
	return nil
}

func legacyAttachments(v any) []Attachment {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []Attachment
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
