package http

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/i18n"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/scanner"
	"github.com/roelfdiedericks/idlenpu/internal/settings"
	"github.com/roelfdiedericks/idlenpu/internal/supervisor"
	"github.com/roelfdiedericks/idlenpu/internal/telemetry"
)

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig handles GET /api/config: the static application config the
// frontend boots from.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"app_version":             config.Version,
		"default_config":          config.Defaults(),
		"config_groups":           config.Groups(),
		"preset_models":           s.catalog.PresetRepoIDs(),
		"download_models":         s.catalog.Models(),
		"download_collection_url": s.catalog.CollectionURL(),
		"model_specific_configs":  s.catalog.ModelConfigs(),
		"available_devices":       s.worker.Devices(),
		"models_dir":              s.paths.ModelsDir,
		"max_file_bytes":          config.MaxFileBytes,
	})
}

// handleI18nList handles GET /api/i18n.
func (s *Server) handleI18nList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": s.langs.Languages(),
		"default":   i18n.DefaultLang,
	})
}

// handleI18nCatalog handles GET /api/i18n/{lang}.
func (s *Server) handleI18nCatalog(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	lang := strings.TrimPrefix(r.URL.Path, "/api/i18n/")
	if lang == "" || strings.Contains(lang, "/") {
		writeDetail(w, http.StatusNotFound, "Language not found")
		return
	}
	dict, err := s.langs.Catalog(lang)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Language not found")
		return
	}
	writeJSON(w, http.StatusOK, dict)
}

// handleLang handles GET and POST /api/lang, the persisted UI language.
func (s *Server) handleLang(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"lang": s.langs.Current()})
	case http.MethodPost:
		var req struct {
			Lang string `json:"lang"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.langs.Set(req.Lang); err != nil {
			writeDetail(w, http.StatusBadRequest, "Unsupported language")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"lang": s.langs.Current()})
	default:
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleModelsLocal handles GET /api/models/local.
func (s *Server) handleModelsLocal(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	models := s.models.List()
	if models == nil {
		models = []scanner.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleModelsConfig handles GET /api/models/config?path=: the generation
// parameters a model's own JSON files pin, plus the setting keys the
// frontend should expose for it.
func (s *Server) handleModelsConfig(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeDetail(w, http.StatusBadRequest, "path parameter required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config":         settings.LoadModelJSONConfigs(path),
		"supported_keys": s.resolver.SupportedKeys(filepath.Base(path), path, config.KnownKeys()),
	})
}

// handleModelsLoad handles POST /api/models/load. Blocks until the worker
// reports the model ready or the load fails.
func (s *Server) handleModelsLoad(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	req := struct {
		Source       string `json:"source"`
		ModelID      string `json:"model_id"`
		Path         string `json:"path"`
		Device       string `json:"device"`
		MaxPromptLen int    `json:"max_prompt_len"`
	}{Source: "local", Device: "AUTO", MaxPromptLen: 16384}
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.worker.Load(supervisor.LoadRequest{
		Source:       req.Source,
		ModelID:      req.ModelID,
		Dir:          req.Path,
		Device:       req.Device,
		MaxPromptLen: req.MaxPromptLen,
	})
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": res.Path, "device": res.Device})
}

// handleModelsStatus handles GET /api/models/status.
func (s *Server) handleModelsStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.worker.Status())
}

// handleModelsDelete handles POST /api/models/delete. The target must be a
// directory inside the models root; a loaded target is unloaded first, which
// fails with a conflict while a generation is running.
func (s *Server) handleModelsDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeDetail(w, http.StatusBadRequest, "Model path required")
		return
	}

	target, err := filepath.Abs(req.Path)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid model path")
		return
	}
	root, err := filepath.Abs(s.paths.ModelsDir)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "Models root unavailable")
		return
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeDetail(w, http.StatusBadRequest, "Invalid model path")
		return
	}
	if rel == "." {
		writeDetail(w, http.StatusBadRequest, "Refuse to delete models root")
		return
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": false})
		return
	}
	if err != nil || !info.IsDir() {
		writeDetail(w, http.StatusBadRequest, "Invalid model path")
		return
	}

	st := s.worker.Status()
	if st.Loaded && st.Path != "" && samePath(st.Path, target) {
		if err := s.worker.Unload(); err != nil {
			writeDetail(w, http.StatusConflict, err.Error())
			return
		}
	}

	if err := os.RemoveAll(target); err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Delete failed: %v", err))
		return
	}
	s.models.Invalidate()
	L_info("http: model deleted", "path", target)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": true})
}

// samePath compares two paths after normalization.
func samePath(a, b string) bool {
	aa, err := filepath.Abs(a)
	if err != nil {
		return false
	}
	bb, err := filepath.Abs(b)
	if err != nil {
		return false
	}
	return aa == bb
}

// handleStatus handles GET /api/status, the dashboard snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory":   telemetry.MemoryStatus(),
		"app":      telemetry.ProcessMemory(os.Getpid()),
		"download": s.download.Status(),
		"model":    s.worker.Status(),
	})
}

// handleAppExit handles POST /api/app/exit. The response goes out first;
// teardown follows after a short grace.
func (s *Server) handleAppExit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	L_info("http: exit requested")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	s.triggerExit()
}

// handleNPUStart handles POST /api/npu/start. The reported availability is
// the pre-search state; clients poll status while searching is true.
func (s *Server) handleNPUStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	available := s.npu.Start()
	writeJSON(w, http.StatusOK, map[string]any{
		"available": available,
		"searching": s.npu.Searching(),
	})
}

// handleNPUStatus handles GET /api/npu/status.
func (s *Server) handleNPUStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.npu.Status())
}

// handleNPUStop handles POST /api/npu/stop.
func (s *Server) handleNPUStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.npu.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
