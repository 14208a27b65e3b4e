// Package daemon is the gateway: the JSON RPC surface, the pty
// WebSocket streams, the static SPA, and the tmux hook callback.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/muxtunnel/muxtunneld/internal/api"
	"github.com/muxtunnel/muxtunneld/internal/claude"
	"github.com/muxtunnel/muxtunneld/internal/config"
	"github.com/muxtunnel/muxtunneld/internal/order"
	"github.com/muxtunnel/muxtunneld/internal/ptymux"
	"github.com/muxtunnel/muxtunneld/internal/resolver"
	"github.com/muxtunnel/muxtunneld/internal/settings"
	"github.com/muxtunnel/muxtunneld/internal/tmux"
)

type Deps struct {
	Tmux     *tmux.Client
	Watcher  *claude.Watcher
	Resolver *resolver.Resolver
	Settings *settings.Store
	Order    *order.Store
	Ptys     *ptymux.Mux
	Log      *slog.Logger
}

type Server struct {
	cfg      config.Config
	tmux     *tmux.Client
	watcher  *claude.Watcher
	resolver *resolver.Resolver
	settings *settings.Store
	order    *order.Store
	ptys     *ptymux.Mux
	log      *slog.Logger

	httpSrv *http.Server

	mu       sync.Mutex
	listener net.Listener
	streams  map[string]*stream

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		tmux:     deps.Tmux,
		watcher:  deps.Watcher,
		resolver: deps.Resolver,
		settings: deps.Settings,
		order:    deps.Order,
		ptys:     deps.Ptys,
		log:      log.With("component", "gateway"),
		streams:  map[string]*stream{},
		httpSrv: &http.Server{
			Handler:           cors(mux),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/sessions/", s.sessionByNameHandler)
	mux.HandleFunc("/api/panes/", s.paneHandler)
	mux.HandleFunc("/api/projects", s.projectsHandler)
	mux.HandleFunc("/api/projects/resolve/", s.resolveProjectHandler)
	mux.HandleFunc("/api/claude-sessions/", s.claudeSessionHandler)
	mux.HandleFunc("/api/session-order", s.sessionOrderHandler)
	mux.HandleFunc("/api/settings", s.settingsHandler)
	mux.HandleFunc("/api/settings/background", s.backgroundHandler)
	mux.HandleFunc("/api/internal/session-changed", s.sessionChangedHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	mux.HandleFunc("/", s.staticHandler)
	return s
}

// Start listens and serves until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// Addr reports the bound address once Start has listened; tests bind
// port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		streams := make([]*stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		for _, st := range streams {
			st.close(1001, "server shutting down")
		}
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) registerStream(st *stream) {
	s.mu.Lock()
	s.streams[st.client.ID] = st
	s.mu.Unlock()
}

func (s *Server) unregisterStream(st *stream) {
	s.mu.Lock()
	delete(s.streams, st.client.ID)
	s.mu.Unlock()
}

func (s *Server) streamByClientID(id string) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// cors is wide open: the service is single-tenant and binds localhost.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:      "ok",
		TmuxRunning: s.tmux.IsRunning(r.Context()),
	})
}
