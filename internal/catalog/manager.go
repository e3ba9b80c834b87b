// Package catalog provides the curated model collection for the download UI.
package catalog

import (
	_ "embed"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/paths"
)

//go:embed presets.yaml
var embeddedPresets []byte

// Model describes one entry of the curated collection.
type Model struct {
	Name      string   `yaml:"name" json:"name"`
	RepoID    string   `yaml:"repo_id" json:"repo_id"`
	Downloads int      `yaml:"downloads" json:"downloads"`
	License   string   `yaml:"license" json:"license"`
	Libraries []string `yaml:"libraries" json:"libraries"`
	ModelID   int      `yaml:"model_id" json:"model_id"`
}

// Overrides maps settings-group name to key/value overrides for one model.
type Overrides map[string]map[string]interface{}

// Data is the root structure of presets.yaml.
type Data struct {
	CollectionURL string               `yaml:"collection_url" json:"collection_url"`
	Models        []Model              `yaml:"models" json:"models"`
	ModelConfigs  map[string]Overrides `yaml:"model_configs" json:"model_configs"`
}

// Manager provides access to the preset catalog.
type Manager struct {
	data Data
	mu   sync.RWMutex
}

var (
	instance *Manager
	once     sync.Once
)

// Get returns the singleton catalog manager.
func Get() *Manager {
	once.Do(func() {
		instance = &Manager{}
		instance.load()
	})
	return instance
}

// load loads the catalog from a local file or the embedded fallback.
func (m *Manager) load() {
	m.mu.Lock()
	defer m.mu.Unlock()

	localPath := m.localPath()

	// Try loading from local file first
	if localPath != "" {
		if data, err := os.ReadFile(localPath); err == nil {
			if err := yaml.Unmarshal(data, &m.data); err == nil {
				L_debug("catalog: loaded from local file", "path", localPath)
				return
			} else {
				L_warn("catalog: failed to parse local file, using embedded", "path", localPath, "error", err)
			}
		}
	}

	// Fall back to embedded
	if err := yaml.Unmarshal(embeddedPresets, &m.data); err != nil {
		L_error("catalog: failed to parse embedded presets.yaml", "error", err)
		m.data = Data{ModelConfigs: make(map[string]Overrides)}
		return
	}
	L_debug("catalog: loaded from embedded")

	// Bootstrap: write to local if it doesn't exist
	if localPath != "" {
		m.bootstrap(localPath)
	}
}

// bootstrap writes the embedded catalog to the local path if it doesn't exist.
func (m *Manager) bootstrap(localPath string) {
	if _, err := os.Stat(localPath); err == nil {
		return // Already exists
	}

	if err := paths.EnsureParentDir(localPath); err != nil {
		L_warn("catalog: failed to create directory", "path", localPath, "error", err)
		return
	}

	if err := os.WriteFile(localPath, embeddedPresets, 0644); err != nil {
		L_warn("catalog: failed to write local file", "path", localPath, "error", err)
		return
	}

	L_info("catalog: bootstrapped local file", "path", localPath)
}

// localPath returns the path to the user-editable catalog copy.
func (m *Manager) localPath() string {
	p, err := paths.Resolve()
	if err != nil {
		return ""
	}
	return filepath.Join(p.ConfigDir, "presets.yaml")
}

// CollectionURL returns the upstream collection page shown in the UI.
func (m *Manager) CollectionURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.CollectionURL
}

// Models returns the curated model list in catalog order.
func (m *Manager) Models() []Model {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Model, len(m.data.Models))
	copy(result, m.data.Models)
	return result
}

// PresetRepoIDs returns the repo IDs of the curated list, in order.
func (m *Manager) PresetRepoIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.data.Models))
	for _, mdl := range m.data.Models {
		ids = append(ids, mdl.RepoID)
	}
	return ids
}

// ModelConfig returns the per-model overrides for a repo ID.
func (m *Manager) ModelConfig(repoID string) (Overrides, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.data.ModelConfigs[repoID]
	return o, ok
}

// ModelConfigs returns all per-model overrides.
func (m *Manager) ModelConfigs() map[string]Overrides {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Overrides, len(m.data.ModelConfigs))
	for k, v := range m.data.ModelConfigs {
		result[k] = v
	}
	return result
}
