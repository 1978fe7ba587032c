// SPDX-License-Identifier: MPL-2.0

package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/invowk/sockserve/internal/issue"
	"github.com/invowk/sockserve/internal/metrics"
	"github.com/invowk/sockserve/internal/service"

	"github.com/charmbracelet/log"
)

const (
	// DefaultName is the service name of the control server.
	DefaultName = "control"

	shutdownTimeout = 5 * time.Second
)

// ErrDuplicateTarget is returned by Register when the name is taken.
var ErrDuplicateTarget = errors.New("control target already registered")

type (
	// Target is a service the control plane can drive.
	Target interface {
		Name() string
		State() service.State
		Apply(ctx context.Context, t service.Transition) error
	}

	// Server is the HTTP control plane. It is itself a service: stopping it
	// closes the listener, starting it again binds the configured address.
	Server struct {
		*service.Lifecycle

		address string
		token   AuthToken
		logger  *log.Logger
		metrics *metrics.Metrics

		targetsMu sync.RWMutex
		targets   map[string]Target

		mu         sync.Mutex
		httpServer *http.Server
		addr       net.Addr
		serveDone  chan struct{}
	}

	// Option configures a Server.
	Option func(*Server)

	hooks struct {
		s *Server
	}
)

// WithLogger sets the logger; the server logs with the "control" prefix.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTarget registers t at construction time.
func WithTarget(t Target) Option {
	return func(s *Server) {
		s.targets[t.Name()] = t
	}
}

// New creates a control server for address. The token must be valid.
func New(address string, token AuthToken, opts ...Option) (*Server, error) {
	if err := token.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		address: address,
		token:   token,
		logger:  log.New(io.Discard),
		targets: make(map[string]Target),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix(DefaultName)
	s.Lifecycle = service.New(DefaultName, &hooks{s: s}, service.WithLogger(s.logger))
	return s, nil
}

// Register adds a target after construction.
func (s *Server) Register(t Target) error {
	s.targetsMu.Lock()
	defer s.targetsMu.Unlock()
	if _, ok := s.targets[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, t.Name())
	}
	s.targets[t.Name()] = t
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// URL returns the base URL of the server (e.g., "http://127.0.0.1:7070").
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "http://" + addr.String()
}

// Token returns the authentication token.
func (s *Server) Token() AuthToken {
	return s.token
}

// Start initializes the server if needed and starts it.
func (s *Server) Start(ctx context.Context) error {
	if s.State() == service.StateUninitialized {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}
	return s.Lifecycle.Start(ctx)
}

// Stop stops a running or suspended server; otherwise it is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	switch s.State() {
	case service.StateStopped, service.StateInitialized, service.StateUninitialized:
		return nil
	case service.StateSuspended:
		if err := s.Resume(ctx); err != nil {
			return err
		}
	}
	return s.Lifecycle.Stop(ctx)
}

// Close stops and destroys the server.
func (s *Server) Close() error {
	if s.State() == service.StateDestroyed {
		return nil
	}
	if err := s.Stop(context.Background()); err != nil {
		return err
	}
	return s.Destroy(context.Background())
}

// Handler returns the HTTP handler serving the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+PathMetrics, s.metrics.Handler())
	}
	mux.Handle("GET "+PathServices, s.authorize(http.HandlerFunc(s.handleList)))
	mux.Handle("GET "+PathServices+"/{name}", s.authorize(http.HandlerFunc(s.handleGet)))
	mux.Handle("POST "+PathServices+"/{name}/{transition}", s.authorize(http.HandlerFunc(s.handleTransition)))
	return mux
}

func (h *hooks) OnInitialize(context.Context) error { return nil }

func (h *hooks) OnStart(ctx context.Context) error {
	s := h.s
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("bind control server").
			WithResource(s.address).
			WithIssue(issue.BindFailedId).
			Wrap(err).
			BuildError()
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.serveDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control serve error", "error", err)
		}
	}()
	s.logger.Info("control server listening", "address", ln.Addr().String())
	return nil
}

func (h *hooks) OnSuspend(context.Context) error { return nil }

func (h *hooks) OnResume(context.Context) error { return nil }

func (h *hooks) OnStop(ctx context.Context) error {
	s := h.s
	s.mu.Lock()
	srv, done := s.httpServer, s.serveDone
	s.httpServer, s.addr, s.serveDone = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-done
	return err
}

func (h *hooks) OnDestroy(context.Context) error { return nil }

// authorize rejects requests without the bearer token.
func (s *Server) authorize(next http.Handler) http.Handler {
	expected := []byte("Bearer " + s.token.String())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			s.logger.Warn("unauthorized control request", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.sendError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.targetsMu.RLock()
	resp := ServicesResponse{Services: make([]ServiceStatus, 0, len(s.targets))}
	for name, t := range s.targets {
		resp.Services = append(resp.Services, ServiceStatus{Name: name, State: t.State().String()})
	}
	s.targetsMu.RUnlock()

	sort.Slice(resp.Services, func(i, j int) bool {
		return resp.Services[i].Name < resp.Services[j].Name
	})
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(r.PathValue("name"))
	if !ok {
		s.sendError(w, "unknown service "+r.PathValue("name"), http.StatusNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, ServiceStatus{Name: t.Name(), State: t.State().String()})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	t, ok := s.target(r.PathValue("name"))
	if !ok {
		s.sendError(w, "unknown service "+r.PathValue("name"), http.StatusNotFound)
		return
	}
	tr, err := service.ParseTransition(r.PathValue("transition"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	from := t.State()
	if err := t.Apply(r.Context(), tr); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrInvalidTransition) {
			status = http.StatusConflict
		}
		s.logger.Warn("control transition failed", "service", t.Name(), "transition", tr, "error", err)
		s.sendError(w, err.Error(), status)
		return
	}

	s.logger.Info("control transition applied", "service", t.Name(), "transition", tr)
	s.sendJSON(w, http.StatusOK, TransitionResponse{
		Name:       t.Name(),
		Transition: tr.String(),
		From:       from.String(),
		State:      t.State().String(),
	})
}

func (s *Server) target(name string) (Target, bool) {
	s.targetsMu.RLock()
	defer s.targetsMu.RUnlock()
	t, ok := s.targets[strings.TrimSpace(name)]
	return t, ok
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, msg string, status int) {
	s.sendJSON(w, status, ErrorResponse{Error: msg})
}
