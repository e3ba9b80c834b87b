package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// handleStatic serves the frontend: the SPA index at /, the tray menu
// pages, and /static/* assets. Everything goes out no-store so a rebuilt
// frontend shows up without cache fights.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	switch r.URL.Path {
	case "/":
		s.serveFrontendFile(w, r, "index.html", "Frontend not built")
	case "/tray", "/tray.html":
		s.serveFrontendFile(w, r, "tray.html", "Tray menu not built")
	case "/tray.css":
		s.serveFrontendFile(w, r, "tray.css", "Tray stylesheet not built")
	case "/tray.js":
		s.serveFrontendFile(w, r, "tray.js", "Tray script not built")
	default:
		if strings.HasPrefix(r.URL.Path, "/static/") {
			s.serveAsset(w, r, strings.TrimPrefix(r.URL.Path, "/static/"))
			return
		}
		writeDetail(w, http.StatusNotFound, "Not found")
	}
}

// serveFrontendFile serves a single file from the static dir root.
func (s *Server) serveFrontendFile(w http.ResponseWriter, r *http.Request, name, missing string) {
	path := filepath.Join(s.staticDir, name)
	if s.staticDir == "" || !regularFile(path) {
		writeDetail(w, http.StatusNotFound, missing)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

// serveAsset serves /static/* with the target confined to the static dir.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, rel string) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}
	path := filepath.Join(s.staticDir, clean)
	if s.staticDir == "" || !regularFile(path) {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path)
}

// regularFile reports whether path names a plain file.
func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
