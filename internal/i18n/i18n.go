// Package i18n serves the embedded UI translation catalogs and persists
// the user's language preference.
package i18n

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

//go:embed lang/*.json
var langFS embed.FS

// AvailableLangs lists the shipped catalogs, default first.
var AvailableLangs = []string{"en_US", "zh_CN"}

// DefaultLang is used when no preference is saved or the saved one is unknown.
const DefaultLang = "en_US"

// ErrUnknownLanguage is returned for codes outside AvailableLangs.
var ErrUnknownLanguage = errors.New("unknown language")

// Manager tracks the current language preference.
type Manager struct {
	prefFile string

	mu      sync.RWMutex
	current string
}

// New creates a manager backed by the given preference file. A missing
// or malformed file falls back to the default language.
func New(prefFile string) *Manager {
	m := &Manager{prefFile: prefFile, current: DefaultLang}

	raw, err := os.ReadFile(prefFile)
	if err != nil {
		return m
	}
	var saved struct {
		Lang string `json:"lang"`
	}
	if err := json.Unmarshal(raw, &saved); err != nil {
		L_warn("i18n: ignoring malformed preference file", "path", prefFile, "error", err)
		return m
	}
	if isAvailable(saved.Lang) {
		m.current = saved.Lang
	}
	return m
}

func isAvailable(lang string) bool {
	for _, l := range AvailableLangs {
		if l == lang {
			return true
		}
	}
	return false
}

// Languages returns the available language codes.
func (m *Manager) Languages() []string {
	out := make([]string, len(AvailableLangs))
	copy(out, AvailableLangs)
	return out
}

// Current returns the active language preference.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set persists a new language preference. The preference survives even
// when the write fails; only the durable copy is best-effort.
func (m *Manager) Set(lang string) error {
	if !isAvailable(lang) {
		return fmt.Errorf("%w: %s", ErrUnknownLanguage, lang)
	}

	m.mu.Lock()
	m.current = lang
	m.mu.Unlock()

	if err := config.AtomicWriteJSON(m.prefFile, map[string]string{"lang": lang}, 0600); err != nil {
		L_warn("i18n: failed to persist language preference", "error", err)
	}
	return nil
}

// Catalog returns the raw translation dictionary for a language code.
func (m *Manager) Catalog(lang string) (map[string]string, error) {
	if !isAvailable(lang) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, lang)
	}
	raw, err := langFS.ReadFile("lang/" + lang + ".json")
	if err != nil {
		return nil, fmt.Errorf("language file missing: %w", err)
	}
	var dict map[string]string
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("language file invalid: %w", err)
	}
	return dict, nil
}

// T translates a key in the current language, returning the key itself
// when no translation exists.
func (m *Manager) T(key string) string {
	dict, err := m.Catalog(m.Current())
	if err != nil {
		return key
	}
	if v, ok := dict[key]; ok {
		return v
	}
	return key
}
