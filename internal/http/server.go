// Package http serves the local control plane: model lifecycle, sessions,
// chat and download streaming, telemetry and the static frontend. The
// server binds to the loopback interface and trusts its single user; there
// is no authentication layer.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/roelfdiedericks/idlenpu/internal/catalog"
	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/download"
	"github.com/roelfdiedericks/idlenpu/internal/events"
	"github.com/roelfdiedericks/idlenpu/internal/i18n"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/paths"
	"github.com/roelfdiedericks/idlenpu/internal/scanner"
	"github.com/roelfdiedericks/idlenpu/internal/session"
	"github.com/roelfdiedericks/idlenpu/internal/settings"
	"github.com/roelfdiedericks/idlenpu/internal/supervisor"
	"github.com/roelfdiedericks/idlenpu/internal/telemetry"
)

// WorkerService is the inference supervisor surface the handlers drive.
type WorkerService interface {
	Load(req supervisor.LoadRequest) (supervisor.LoadResult, error)
	Generate(messages []session.Message, cfg map[string]any) (*events.Stream, error)
	Stop()
	Unload() error
	Shutdown()
	Status() supervisor.Status
	Devices() []string
}

// DownloadService runs model downloads, one at a time.
type DownloadService interface {
	Start(repoID string) (*events.Stream, error)
	Stop()
	Status() download.Status
}

// ModelIndex lists the installed models.
type ModelIndex interface {
	List() []scanner.Model
	Invalidate()
}

// NPUService is the utilization monitor surface.
type NPUService interface {
	Start() bool
	Stop()
	Searching() bool
	Status() telemetry.NPUStatus
}

// ServerConfig holds the listen address and static asset location.
type ServerConfig struct {
	Host      string // empty falls back to IDLE_NPU_HOST / 127.0.0.1
	Port      int    // zero falls back to IDLE_NPU_PORT / 8000
	StaticDir string // frontend assets directory
}

// Deps are the collaborating subsystems exposed through the API.
type Deps struct {
	Paths    *paths.Paths
	Store    *session.Store
	Worker   WorkerService
	Download DownloadService
	Models   ModelIndex
	Langs    *i18n.Manager
	NPU      NPUService
	Resolver *settings.Resolver
	Catalog  *catalog.Manager
}

// Server is the HTTP control plane.
type Server struct {
	server *http.Server

	paths    *paths.Paths
	store    *session.Store
	worker   WorkerService
	download DownloadService
	models   ModelIndex
	langs    *i18n.Manager
	npu      NPUService
	resolver *settings.Resolver
	catalog  *catalog.Manager

	staticDir string

	// sessionMu serializes compound session operations (validate, title,
	// append, set current) that span several store calls.
	sessionMu sync.Mutex

	exitOnce sync.Once
	exitCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer assembles the server and its routes.
func NewServer(cfg *ServerConfig, deps Deps) *Server {
	host := cfg.Host
	if host == "" {
		host = config.Host()
	}
	port := cfg.Port
	if port == 0 {
		port = config.Port()
	}

	s := &Server{
		paths:     deps.Paths,
		store:     deps.Store,
		worker:    deps.Worker,
		download:  deps.Download,
		models:    deps.Models,
		langs:     deps.Langs,
		npu:       deps.NPU,
		resolver:  deps.Resolver,
		catalog:   deps.Catalog,
		staticDir: cfg.StaticDir,
		exitCh:    make(chan struct{}),
	}

	s.server = &http.Server{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:     s.setupRoutes(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout stays zero: generation and download streams have no
		// bounded duration.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(h)
	}

	mux.HandleFunc("/api/health", wrap(s.handleHealth))
	mux.HandleFunc("/api/config", wrap(s.handleConfig))
	mux.HandleFunc("/api/i18n", wrap(s.handleI18nList))
	mux.HandleFunc("/api/i18n/", wrap(s.handleI18nCatalog))
	mux.HandleFunc("/api/lang", wrap(s.handleLang))

	mux.HandleFunc("/api/models/local", wrap(s.handleModelsLocal))
	mux.HandleFunc("/api/models/config", wrap(s.handleModelsConfig))
	mux.HandleFunc("/api/models/load", wrap(s.handleModelsLoad))
	mux.HandleFunc("/api/models/status", wrap(s.handleModelsStatus))
	mux.HandleFunc("/api/models/delete", wrap(s.handleModelsDelete))

	mux.HandleFunc("/api/sessions", wrap(s.handleSessions))
	mux.HandleFunc("/api/sessions/", wrap(s.handleSessionAction))

	mux.HandleFunc("/api/chat/stream", wrap(s.handleChatStream))
	mux.HandleFunc("/api/chat/regenerate", wrap(s.handleChatRegenerate))
	mux.HandleFunc("/api/chat/stop", wrap(s.handleChatStop))

	mux.HandleFunc("/api/download/stream", wrap(s.handleDownloadStream))
	mux.HandleFunc("/api/download/stop", wrap(s.handleDownloadStop))

	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/api/app/exit", wrap(s.handleAppExit))

	mux.HandleFunc("/api/npu/start", wrap(s.handleNPUStart))
	mux.HandleFunc("/api/npu/status", wrap(s.handleNPUStatus))
	mux.HandleFunc("/api/npu/stop", wrap(s.handleNPUStop))

	mux.HandleFunc("/", wrap(s.handleStatic))

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("http: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("http: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("http: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("http: server stopped")
	return nil
}

// triggerExit tears the collaborators down once and then releases the exit
// channel the serve command waits on. The grace delay lets the exit
// response reach the client before the listener dies.
func (s *Server) triggerExit() {
	s.exitOnce.Do(func() {
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.worker.Shutdown()
			s.download.Stop()
			s.npu.Stop()
			close(s.exitCh)
		}()
	})
}

// ExitRequested is closed after /api/app/exit has stopped the
// collaborators. The caller still owns the final Stop.
func (s *Server) ExitRequested() <-chan struct{} {
	return s.exitCh
}

// logRequest wraps an HTTP handler to log requests.
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture the status code.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_error("http: response encode failed", "error", err)
	}
}

// writeDetail reports a request failure as {"detail": msg}.
func writeDetail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

// decodeBody parses a JSON request body into dst. A false return means the
// 400 response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// requireMethod rejects other verbs with a 405.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeDetail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}
