// Package httpapi is the HTTP/SSE Surface (spec.md §4.8): a thin
// layer that validates requests, routes to the components built
// elsewhere in this tree, and streams events over SSE. It never holds
// business logic of its own — every handler's job is to translate an
// HTTP request into a call on the Store, Event Hub, Permission Gate,
// Sandbox FS, Tool Registry, or Runner, and translate the result back
// into JSON or an SSE frame.
//
// Routing is the standard library's http.ServeMux with Go 1.22's
// method+wildcard patterns; none of the example repos import a router
// package (chi, gin, echo, gorilla/mux) for a JSON API, so this
// follows internal/gateway/http_server.go's plain http.NewServeMux
// wiring rather than adding a dependency the corpus never reaches for.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentserver/agentserver/internal/eventbus"
	"github.com/agentserver/agentserver/internal/httpapi/auth"
	"github.com/agentserver/agentserver/internal/permission"
	"github.com/agentserver/agentserver/internal/runner"
	"github.com/agentserver/agentserver/internal/sandbox"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/tool"
)

// Server wires the HTTP/SSE Surface to the rest of the process. One
// Server per process, matching §5's "no global mutable state beyond
// component-owned structures" — every handler closes over this struct
// rather than reaching for a package-level singleton.
type Server struct {
	Store  store.Store
	Hub    *eventbus.Hub
	Writer *eventbus.Writer
	Gate   *permission.Gate
	FS     *sandbox.FS
	Tools  *tool.Registry
	Runner *runner.Runner
	Auth   *auth.Verifier
	Logger *slog.Logger

	httpServer *http.Server

	mu     sync.Mutex
	active map[string]context.CancelFunc // sessionID -> cancel for its running turn
}

// New builds a Server. logger may be nil, in which case slog.Default
// is used.
func New(st store.Store, hub *eventbus.Hub, writer *eventbus.Writer, gate *permission.Gate, fs *sandbox.FS, tools *tool.Registry, r *runner.Runner, verifier *auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Store: st, Hub: hub, Writer: writer, Gate: gate, FS: fs, Tools: tools, Runner: r,
		Auth: verifier, Logger: logger, active: map[string]context.CancelFunc{},
	}
}

// Mux builds the routed handler, wrapped in logging and auth
// middleware.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /sessions/{id}/turns", s.handleCreateTurn)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancelTurn)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /event", s.handleSSE)

	mux.HandleFunc("GET /sessions/{id}/permissions/pending", s.handleListPendingPermissions)
	mux.HandleFunc("POST /permissions/{req}/resolve", s.handleResolvePermission)
	mux.HandleFunc("GET /permissions/mode", s.handleGetPermissionMode)
	mux.HandleFunc("POST /permissions/mode", s.handleSetPermissionMode)

	mux.HandleFunc("GET /tools", s.handleListTools)
	mux.HandleFunc("PUT /tools/{name}/policy", s.handleSetToolPolicy)

	mux.HandleFunc("GET /sessions/{id}/fs/tree", s.handleFSTree)
	mux.HandleFunc("GET /sessions/{id}/fs/read", s.handleFSRead)
	mux.HandleFunc("GET /sessions/{id}/fs/versions", s.handleFSVersions)
	mux.HandleFunc("GET /sessions/{id}/fs/version/{vid}", s.handleFSVersion)
	mux.HandleFunc("POST /sessions/{id}/fs/rollback", s.handleFSRollback)

	mux.HandleFunc("GET /sessions/{id}/context", s.handleListContext)
	mux.HandleFunc("POST /sessions/{id}/context/pin", s.handleContextPin)
	mux.HandleFunc("POST /sessions/{id}/context/unpin", s.handleContextUnpin)
	mux.HandleFunc("POST /sessions/{id}/context/set_pinned_ref", s.handleContextSetPinnedRef)

	mux.HandleFunc("GET /sessions/{id}/export.json", s.handleExportJSON)
	mux.HandleFunc("GET /sessions/{id}/export.md", s.handleExportMarkdown)

	return s.withAuth(s.withLogging(mux))
}

// Serve starts the HTTP server on addr and blocks until ctx is
// cancelled or the server fails, mirroring
// internal/gateway/http_server.go's listen/serve/shutdown shape.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	s.Logger.Info("http server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.Logger.Warn("http server shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// beginTurn atomically claims sessionID for a new turn, returning
// false if one is already running (the 409 case in POST .../turns).
// The caller registers the real cancel func via setTurnCancel once
// the run goroutine's context exists.
func (s *Server) beginTurn(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.active[sessionID]; running {
		return false
	}
	s.active[sessionID] = nil
	return true
}

func (s *Server) setTurnCancel(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[sessionID] = cancel
}

func (s *Server) endTurn(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// cancelActiveTurn flips the cancel signal for sessionID's running
// turn, if any, satisfying POST /sessions/{id}/cancel (§5).
func (s *Server) cancelActiveTurn(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.active[sessionID]
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}
