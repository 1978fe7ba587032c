// SPDX-License-Identifier: MPL-2.0

package socketserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/connection"
	"github.com/invowk/sockserve/internal/dispatch"
	"github.com/invowk/sockserve/internal/handler"
	"github.com/invowk/sockserve/internal/issue"
	"github.com/invowk/sockserve/internal/metrics"
	"github.com/invowk/sockserve/internal/service"

	"github.com/charmbracelet/log"
)

const (
	// DefaultName is the service name of a Server.
	DefaultName = "socket-server"

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	// maxAcceptFailures consecutive non-temporary failures end the accept loop.
	maxAcceptFailures = 10
)

// ErrReconfigureRunning is returned by Reconfigure outside the initialized and
// stopped states.
var ErrReconfigureRunning = errors.New("socket server must be stopped to reconfigure")

type (
	// Server is the socket server. Its state machine is the embedded
	// service.Lifecycle; Start and Stop add the conveniences a controlling
	// caller usually wants on top of the raw transitions.
	Server struct {
		*service.Lifecycle

		name      string
		registry  *handler.Registry
		handler   handler.Handler
		logger    *log.Logger
		metrics   *metrics.Metrics
		listeners connection.ListenerSet
		connLs    []connection.Listener
		svcOpts   []service.Option

		// Set by the initialize hook, released by destroy.
		pool  *dispatch.Pool
		chain handler.Handler

		// deadlineMu orders the accept loop's per-iteration deadline against
		// the immediate deadline that wakes it.
		deadlineMu sync.Mutex

		mu       sync.Mutex
		cfg      config.SocketServerConfig
		ln       net.Listener
		addr     net.Addr
		accept   context.CancelFunc
		acceptCh chan struct{}
	}

	// Option configures a Server.
	Option func(*Server)

	hooks struct {
		s *Server
	}
)

// WithName overrides DefaultName.
func WithName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// WithLogger sets the logger. The server, its pool and its lifecycle log with
// their own prefixes derived from it.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegistry sets the registry used to resolve cfg.ConnectionHandler.
func WithRegistry(r *handler.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithHandler bypasses the registry and serves every connection with h.
func WithHandler(h handler.Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithMetrics records accept, connection, dispatch and state metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithConnectionListener attaches l to every accepted connection.
func WithConnectionListener(l connection.Listener) Option {
	return func(s *Server) {
		s.connLs = append(s.connLs, l)
	}
}

// WithServiceListener registers l for lifecycle events.
func WithServiceListener(l service.Listener) Option {
	return func(s *Server) {
		s.svcOpts = append(s.svcOpts, service.WithListener(l))
	}
}

// New creates a Server in the uninitialized state.
func New(cfg config.SocketServerConfig, opts ...Option) *Server {
	s := &Server{
		name:     DefaultName,
		cfg:      cfg,
		registry: handler.DefaultRegistry(),
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix(s.name)

	// Metrics listeners run before user listeners.
	lcOpts := []service.Option{service.WithLogger(s.logger)}
	if s.metrics != nil {
		lcOpts = append(lcOpts, service.WithListener(s.metrics.StateListener()))
		s.listeners.Add(s.metrics.ConnectionListener(s.name))
	}
	lcOpts = append(lcOpts, s.svcOpts...)
	for _, l := range s.connLs {
		s.listeners.Add(l)
	}
	s.Lifecycle = service.New(s.name, &hooks{s: s}, lcOpts...)
	return s
}

// Config returns the current configuration.
func (s *Server) Config() config.SocketServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure replaces the configuration of an initialized or stopped server.
// Host, port, backlog and socket timeout apply on the next Start. Pool and
// handler settings are fixed at initialize; changes to them are logged and
// need a new Server. Reconfigure must not race with Start.
func (s *Server) Reconfigure(cfg config.SocketServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.State(); st {
	case service.StateInitialized, service.StateStopped:
	default:
		return fmt.Errorf("%w: state is %s", ErrReconfigureRunning, st)
	}

	old := s.cfg
	if old.PoolConfig() != cfg.PoolConfig() || old.ConnectionHandler != cfg.ConnectionHandler {
		s.logger.Warn("pool and handler changes need a restart",
			"handler", cfg.ConnectionHandler,
			"workers", cfg.ActiveConnections,
			"queue", cfg.HandlerQueueSize,
			"backpressure", cfg.Backpressure)
	}
	s.cfg = cfg
	s.logger.Info("reconfigured", "address", cfg.Address(), "backlog", cfg.SocketQueueSize, "socket_timeout", cfg.SocketTimeoutDuration())
	return nil
}

// AddConnectionListener attaches l to connections accepted from now on.
func (s *Server) AddConnectionListener(l connection.Listener) {
	s.listeners.Add(l)
}

// RemoveConnectionListener stops attaching l to new connections.
func (s *Server) RemoveConnectionListener(l connection.Listener) {
	s.listeners.Remove(l)
}

// Addr returns the bound address, or nil when no listener is open.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound TCP port, or 0 when no listener is open.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Dispatcher returns the worker pool, or nil before initialize and after destroy.
func (s *Server) Dispatcher() *dispatch.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Start initializes the server if needed and starts it. It returns once the
// accept loop is running.
func (s *Server) Start(ctx context.Context) error {
	if s.State() == service.StateUninitialized {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}
	return s.Lifecycle.Start(ctx)
}

// Stop stops a running or suspended server. Stopping a server that is not
// running is a no-op; a destroyed server reports an invalid transition.
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

// Close stops the server and destroys it, draining in-flight handlers.
func (s *Server) Close() error {
	if s.State() == service.StateDestroyed {
		return nil
	}
	ctx := context.Background()
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Destroy(ctx)
}

func (h *hooks) OnInitialize(context.Context) error {
	s := h.s

	cfg := s.Config()
	hd := s.handler
	if hd == nil {
		resolved, err := cfg.ResolveHandler(s.registry, s.logger)
		if err != nil {
			return err
		}
		hd = resolved
	}

	poolOpts := []dispatch.PoolOption{dispatch.WithLogger(s.logger.WithPrefix(s.name + "/dispatch"))}
	if s.metrics != nil {
		poolOpts = append(poolOpts, dispatch.WithRecorder(s.metrics))
	}
	pool, err := dispatch.NewPool(cfg.PoolConfig(), poolOpts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pool = pool
	s.chain = handler.Async(handler.Closing(hd), pool, handler.WithAsyncLogger(s.logger))
	s.mu.Unlock()

	s.logger.Debug("initialized", "handler", fmt.Sprintf("%T", hd), "workers", pool.Config().Size, "queue", pool.Config().QueueSize)
	return nil
}

func (h *hooks) OnStart(ctx context.Context) error {
	s := h.s
	cfg := s.Config()
	address := cfg.Address()

	ln, err := listenTCP(ctx, address, cfg.SocketQueueSize)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("bind socket server").
			WithResource(address).
			WithIssue(issue.BindFailedId).
			Wrap(err).
			BuildError()
	}

	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr()
	s.mu.Unlock()

	if err := s.startAccepting(ctx); err != nil {
		_ = ln.Close()
		s.mu.Lock()
		s.ln, s.addr = nil, nil
		s.mu.Unlock()
		return err
	}

	s.logger.Info("listening", "address", ln.Addr().String(), "backlog", cfg.SocketQueueSize)
	return nil
}

func (h *hooks) OnSuspend(context.Context) error {
	s := h.s
	s.stopAccepting(false)
	s.logger.Info("suspended", "address", s.Addr())
	return nil
}

func (h *hooks) OnResume(ctx context.Context) error {
	s := h.s
	if err := s.startAccepting(ctx); err != nil {
		return err
	}
	s.logger.Info("resumed", "address", s.Addr())
	return nil
}

func (h *hooks) OnStop(context.Context) error {
	s := h.s
	s.stopAccepting(true)

	s.mu.Lock()
	addr := s.addr
	s.ln, s.addr = nil, nil
	s.mu.Unlock()

	s.logger.Info("stopped", "address", addr)
	return nil
}

func (h *hooks) OnDestroy(context.Context) error {
	s := h.s

	s.mu.Lock()
	pool := s.pool
	s.pool, s.chain = nil, nil
	s.mu.Unlock()

	if pool == nil {
		return nil
	}

	ctx := context.Background()
	if d := s.Config().ShutdownTimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := pool.Shutdown(ctx); err != nil {
		// The pool cancelled the remaining handlers; destroy still completes.
		s.logger.Warn("handlers did not drain in time", "error", err)
	}
	return nil
}

// startAccepting launches the accept goroutine and waits until it runs.
func (s *Server) startAccepting(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	chain := s.chain
	s.mu.Unlock()
	if ln == nil || chain == nil {
		return errors.New("socket server has no listener")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.accept = cancel
	s.acceptCh = done
	s.mu.Unlock()

	go s.acceptLoop(loopCtx, ln, chain, ready, done)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		cancel()
		s.wakeAccept(ln)
		<-done
		return fmt.Errorf("waiting for accept loop: %w", ctx.Err())
	}
}

// stopAccepting ends the accept goroutine and waits for it. With closeListener
// the listener is closed to wake a blocked Accept; otherwise an immediate
// deadline wakes it and the listener stays bound.
func (s *Server) stopAccepting(closeListener bool) {
	s.mu.Lock()
	cancel, done, ln := s.accept, s.acceptCh, s.ln
	s.accept, s.acceptCh = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		if closeListener {
			if err := ln.Close(); err != nil && !isClosedConnError(err) {
				s.logger.Warn("closing listener", "error", err)
			}
		} else {
			s.wakeAccept(ln)
		}
	}
	if done != nil {
		<-done
	}
	if !closeListener && ln != nil {
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Time{})
		}
	}
}

// wakeAccept makes a blocked Accept on ln return. The accept loop's context
// must already be canceled so that the loop does not push the deadline back.
func (s *Server) wakeAccept(ln net.Listener) {
	d, ok := ln.(deadliner)
	if !ok {
		return
	}
	s.deadlineMu.Lock()
	_ = d.SetDeadline(time.Now())
	s.deadlineMu.Unlock()
}

// armAccept sets the deadline of the next Accept. It reports false when ctx
// is done, in which case a wake-up may already be pending and must not be
// overwritten.
func (s *Server) armAccept(ctx context.Context, d deadliner, timeout time.Duration) bool {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if d != nil && timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(timeout))
	}
	return true
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, chain handler.Handler, ready, done chan<- struct{}) {
	defer close(done)
	close(ready)

	timeout := s.Config().SocketTimeoutDuration()
	dl, _ := ln.(deadliner)
	var backoff time.Duration
	failures := 0

	for {
		if !s.armAccept(ctx, dl, timeout) {
			return
		}

		nc, err := ln.Accept()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case isClosedConnError(err):
				s.logger.Error("listener closed unexpectedly", "error", err)
				return
			case isTimeout(err):
				continue
			}

			if s.metrics != nil {
				s.metrics.AcceptFailed(s.name)
			}
			failures++
			if !isTemporaryAcceptError(err) && failures >= maxAcceptFailures {
				s.logger.Error("accept keeps failing, giving up", "error", err, "failures", failures)
				return
			}

			backoff = max(minAcceptBackoff, min(backoff*2, maxAcceptBackoff))
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		backoff, failures = 0, 0
		s.serve(ctx, nc, chain, timeout)
	}
}

// serve wraps nc, reports it started and hands it to the handler chain. With
// the blocking policy the call waits here for queue space, which is what
// pushes back on the accept loop.
func (s *Server) serve(ctx context.Context, nc net.Conn, chain handler.Handler, timeout time.Duration) {
	if s.metrics != nil {
		s.metrics.ConnectionAccepted(s.name)
	}

	c := connection.NewNetConn(nc,
		connection.WithIdleTimeout(timeout),
		connection.WithListeners(s.listeners.Snapshot()...),
	)
	if err := c.Connect(ctx); err != nil {
		s.logger.Warn("connect failed", "remote", c.RemoteAddr(), "error", err)
		_ = c.Close()
		return
	}
	s.logger.Debug("accepted", "conn", c.Name(), "remote", c.RemoteAddr())

	if err := chain.Handle(ctx, c); err != nil {
		s.logger.Debug("connection not dispatched", "conn", c.Name(), "error", err)
	}
}
