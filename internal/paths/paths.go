// Package paths provides centralized path resolution for IdleNPU.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// EnvDataDir overrides the data directory root.
	EnvDataDir = "IDLE_NPU_DATA_DIR"
	// EnvOVCacheDir overrides the compiled-model cache directory.
	EnvOVCacheDir = "IDLE_NPU_OV_CACHE_DIR"

	appDirName    = "IdleNPUWaker"
	pathsFileName = "paths.json"
)

// overrides mirrors the optional paths.json file in the data directory.
// Relative values are joined to the data directory, absolute values and
// ~-prefixed values are used as-is after expansion.
type overrides struct {
	ConfigDir        string `json:"config_dir"`
	LogsDir          string `json:"logs_dir"`
	ModelsDir        string `json:"models_dir"`
	DownloadCacheDir string `json:"download_cache_dir"`
	OVCacheDir       string `json:"ov_cache_dir"`
	SessionsDB       string `json:"sessions_db"`
}

// Paths holds every resolved location the application uses. It is built
// once at startup and treated as immutable afterwards.
type Paths struct {
	DataDir          string
	ConfigDir        string
	LogsDir          string
	ModelsDir        string
	DownloadCacheDir string
	OVCacheDir       string
	SessionsDB       string

	// LoadErr records a malformed paths.json. Resolution already fell back
	// to defaults; the caller decides whether to log it.
	LoadErr error
}

// DataDir resolves the data directory root: the IDLE_NPU_DATA_DIR
// environment variable when set, otherwise the platform default.
func DataDir() (string, error) {
	if v := os.Getenv(EnvDataDir); v != "" {
		expanded, err := ExpandTilde(v)
		if err != nil {
			return "", err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", EnvDataDir, err)
		}
		return abs, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return filepath.Join(base, appDirName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDirName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, appDirName), nil
	}
}

// Resolve builds the full path set: data dir, optional paths.json
// overrides, then environment overrides on top.
func Resolve() (*Paths, error) {
	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{DataDir: dataDir}

	var o overrides
	raw, readErr := os.ReadFile(filepath.Join(dataDir, pathsFileName))
	if readErr == nil {
		if err := json.Unmarshal(raw, &o); err != nil {
			p.LoadErr = fmt.Errorf("invalid %s: %w", pathsFileName, err)
			o = overrides{}
		}
	}

	p.ConfigDir, err = resolveEntry(dataDir, o.ConfigDir, "config")
	if err != nil {
		return nil, err
	}
	p.LogsDir, err = resolveEntry(dataDir, o.LogsDir, ".")
	if err != nil {
		return nil, err
	}
	p.ModelsDir, err = resolveEntry(dataDir, o.ModelsDir, "models")
	if err != nil {
		return nil, err
	}
	p.DownloadCacheDir, err = resolveEntry(dataDir, o.DownloadCacheDir, ".download_temp")
	if err != nil {
		return nil, err
	}
	p.OVCacheDir, err = resolveEntry(dataDir, o.OVCacheDir, ".ov_cache")
	if err != nil {
		return nil, err
	}
	p.SessionsDB, err = resolveEntry(dataDir, o.SessionsDB, "sessions.db")
	if err != nil {
		return nil, err
	}

	// Environment beats paths.json for the compiled-model cache.
	if v := os.Getenv(EnvOVCacheDir); v != "" {
		expanded, err := ExpandTilde(v)
		if err != nil {
			return nil, err
		}
		p.OVCacheDir = expanded
	}

	return p, nil
}

// resolveEntry expands and absolutizes a single paths.json entry,
// falling back to def when the entry is empty. Entries honor both ~
// and $VAR expansion.
func resolveEntry(dataDir, value, def string) (string, error) {
	if value == "" {
		value = def
	}
	expanded, err := ExpandTilde(os.ExpandEnv(value))
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Join(dataDir, expanded), nil
}

// Ensure creates every directory the application writes to.
func (p *Paths) Ensure() error {
	dirs := []string{
		p.DataDir,
		p.ConfigDir,
		p.LogsDir,
		p.ModelsDir,
		p.DownloadCacheDir,
		p.OVCacheDir,
	}
	for _, d := range dirs {
		if err := EnsureDir(d); err != nil {
			return err
		}
	}
	return EnsureParentDir(p.SessionsDB)
}

// PathsFile returns the location of the optional paths.json override file.
func (p *Paths) PathsFile() string {
	return filepath.Join(p.DataDir, pathsFileName)
}

// BackendLog returns the host process log file path.
func (p *Paths) BackendLog() string {
	return filepath.Join(p.LogsDir, "backend.log")
}

// RuntimeLog returns the inference worker log file path.
func (p *Paths) RuntimeLog() string {
	return filepath.Join(p.LogsDir, "runtime.log")
}

// LangFile returns the persisted UI language selection file path.
func (p *Paths) LangFile() string {
	return filepath.Join(p.DataDir, "lang.json")
}

// SettingsJSONFile returns the per-model settings schema (JSON variant).
func (p *Paths) SettingsJSONFile() string {
	return filepath.Join(p.ConfigDir, "model_settings.json")
}

// SettingsTOMLFile returns the per-model settings schema (TOML variant).
func (p *Paths) SettingsTOMLFile() string {
	return filepath.Join(p.ConfigDir, "model_settings.toml")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
