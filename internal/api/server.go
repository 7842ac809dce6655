// Package api wires SessionRegistry, PtyController (via WorkspaceEditor),
// FilesystemMirror, LspProxy, and ExecuteJob behind the HTTP/WebSocket
// surface spec.md §6 names: one process-wide Server holding the shared
// components, serving three WebSocket channels keyed by user id plus the
// small /execute/get_outputs/ping HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/cloudbox/cloudbox/internal/config"
	"github.com/cloudbox/cloudbox/internal/execjob"
	"github.com/cloudbox/cloudbox/internal/execstore"
	"github.com/cloudbox/cloudbox/internal/fsmirror"
	"github.com/cloudbox/cloudbox/internal/lsp"
	"github.com/cloudbox/cloudbox/internal/registry"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

// OutputStore is the narrow read contract /get_outputs depends on.
type OutputStore interface {
	RecentOutputs(userID string, quantity int) ([]execstore.Output, error)
}

// Server holds every shared component the handlers dispatch against.
type Server struct {
	cfg         *config.Config
	driver      sandbox.Driver
	registry    *registry.Registry
	lsp         *lsp.Proxy
	execJob     *execjob.Job
	outputStore OutputStore
	logger      *slog.Logger

	mirrorsMu sync.Mutex
	mirrors   map[string]*fsmirror.Mirror // instanceID -> mirror, shared across a user's terminal and filesystem channels
}

func NewServer(cfg *config.Config, driver sandbox.Driver, reg *registry.Registry, lspProxy *lsp.Proxy, job *execjob.Job, outputStore OutputStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		driver:      driver,
		registry:    reg,
		lsp:         lspProxy,
		execJob:     job,
		outputStore: outputStore,
		logger:      logger,
		mirrors:     make(map[string]*fsmirror.Mirror),
	}
	reg.OnTeardown = func(userID, instanceID string) {
		s.lsp.CloseUser(userID)
		s.mirrorsMu.Lock()
		delete(s.mirrors, instanceID)
		s.mirrorsMu.Unlock()
	}
	return s
}

// mirrorFor returns the shared FilesystemMirror for instanceID, creating it
// on first use so a host-initiated write (terminal channel) and the watcher
// poll (filesystem channel) suppress each other's echoes correctly.
func (s *Server) mirrorFor(instanceID string) *fsmirror.Mirror {
	s.mirrorsMu.Lock()
	defer s.mirrorsMu.Unlock()
	m, ok := s.mirrors[instanceID]
	if !ok {
		m = fsmirror.New(s.driver, instanceID, "/home/termuser/root", s.cfg.Filesystem, s.logger)
		s.mirrors[instanceID] = m
	}
	return m
}

// Handler builds the complete routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /get_outputs", s.handleGetOutputs)
	mux.HandleFunc("GET /ws/terminal/{user_id}", s.handleTerminalWS)
	mux.HandleFunc("GET /ws/filesystem/{user_id}", s.handleFilesystemWS)
	mux.HandleFunc("GET /ws/lsp/{user_id}", s.handleLspWS)

	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.debugLogMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	return handler
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
