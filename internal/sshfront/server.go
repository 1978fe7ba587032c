// SPDX-License-Identifier: MPL-2.0

package sshfront

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
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
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultName is the service name of a Server.
	DefaultName = "ssh-front"

	// DefaultShutdownTimeout bounds the wait for open sessions on stop.
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrNoDispatcher is returned by initialize when no dispatcher was supplied.
var ErrNoDispatcher = errors.New("ssh front requires a dispatcher")

type (
	// Server is the SSH front. Suspend stops accepting SSH connections while
	// open sessions continue; resume listens again on the same port.
	Server struct {
		*service.Lifecycle

		name            string
		cfg             config.SSHConfig
		handler         handler.Handler
		dispatcher      dispatch.Dispatcher
		logger          *log.Logger
		metrics         *metrics.Metrics
		listeners       connection.ListenerSet
		shutdownTimeout time.Duration

		hostKeyPEM []byte

		mu       sync.Mutex
		srv      *ssh.Server
		draining []*ssh.Server
		addr     net.Addr
		port     int
		serveWG  sync.WaitGroup
	}

	// Option configures a Server.
	Option func(*Server)

	hooks struct {
		s *Server
	}

	// sessionStream adapts a session to io.ReadWriteCloser. Closing it sends
	// the exit status so that clients see a clean end of session.
	sessionStream struct {
		ssh.Session
	}
)

// WithLogger sets the logger; the server logs with the "ssh-front" prefix.
func WithLogger(logger *log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records sessions into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithConnectionListener attaches l to every session connection.
func WithConnectionListener(l connection.Listener) Option {
	return func(s *Server) {
		s.listeners.Add(l)
	}
}

// WithShutdownTimeout bounds the wait for open sessions on stop.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates an SSH front serving sessions with h on dispatcher d.
func New(cfg config.SSHConfig, h handler.Handler, d dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{
		name:            DefaultName,
		cfg:             cfg,
		handler:         h,
		dispatcher:      d,
		logger:          log.New(io.Discard),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix(s.name)
	if s.metrics != nil {
		s.listeners.Add(s.metrics.ConnectionListener(s.name))
	}
	s.Lifecycle = service.New(s.name, &hooks{s: s}, service.WithLogger(s.logger))
	return s
}

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Port returns the bound port, or 0 when not listening.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
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

func (h *hooks) OnInitialize(context.Context) error {
	s := h.s
	if s.handler == nil {
		return fmt.Errorf("%s: %w", s.name, handler.ErrUnknownHandler)
	}
	if s.dispatcher == nil {
		return ErrNoDispatcher
	}
	if s.cfg.HostKeyPath == "" {
		key, err := ephemeralHostKey()
		if err != nil {
			return err
		}
		s.hostKeyPEM = key
	}
	return nil
}

func (h *hooks) OnStart(ctx context.Context) error {
	s := h.s
	if err := s.listen(ctx, s.cfg.Port); err != nil {
		return err
	}
	s.logger.Info("SSH front listening", "address", s.Addr().String())
	return nil
}

func (h *hooks) OnSuspend(context.Context) error {
	s := h.s
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = nil
	if srv != nil {
		s.draining = append(s.draining, srv)
	}
	s.mu.Unlock()

	if srv != nil {
		// Closing the listeners only; sessions already open keep running.
		if err := closeListeners(srv); err != nil {
			s.logger.Warn("closing SSH listener", "error", err)
		}
	}
	s.logger.Info("SSH front suspended")
	return nil
}

func (h *hooks) OnResume(ctx context.Context) error {
	s := h.s
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	return s.listen(ctx, port)
}

func (h *hooks) OnStop(context.Context) error {
	s := h.s
	s.mu.Lock()
	servers := append(s.draining, s.srv)
	s.srv, s.draining, s.addr, s.port = nil, nil, nil, 0
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
				_ = srv.Close()
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	s.serveWG.Wait()

	if err != nil {
		s.logger.Warn("SSH sessions did not finish in time", "error", err)
	}
	s.logger.Info("SSH front stopped")
	return nil
}

func (h *hooks) OnDestroy(context.Context) error {
	h.s.hostKeyPEM = nil
	return nil
}

// listen creates a fresh Wish server on port and serves it in the background.
func (s *Server) listen(ctx context.Context, port int) error {
	address := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	srv, err := s.newSSHServer(address)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("create SSH front").
			WithIssue(issue.SSHFrontFailedId).
			Wrap(err).
			BuildError()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return issue.NewErrorContext().
			WithOperation("bind SSH front").
			WithResource(address).
			WithIssue(issue.SSHFrontFailedId).
			Wrap(err).
			BuildError()
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcp.Port
	}
	s.mu.Unlock()

	ready := make(chan struct{})
	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		close(ready)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("SSH serve error", "error", err)
		}
	}()
	<-ready
	return nil
}

func (s *Server) newSSHServer(address string) (*ssh.Server, error) {
	opts := []ssh.Option{
		wish.WithAddress(address),
		wish.WithMiddleware(s.sessionMiddleware()),
	}
	if s.cfg.HostKeyPath != "" {
		opts = append(opts, wish.WithHostKeyPath(s.cfg.HostKeyPath))
	} else {
		opts = append(opts, wish.WithHostKeyPEM(s.hostKeyPEM))
	}
	if s.cfg.Password != "" {
		opts = append(opts,
			wish.WithPasswordAuth(s.passwordHandler),
			wish.WithPublicKeyAuth(func(ssh.Context, ssh.PublicKey) bool { return false }),
		)
	}
	return wish.NewServer(opts...)
}

// sessionMiddleware turns every session into a connection and runs it on
// the dispatcher, holding the session open until the handler is done.
func (s *Server) sessionMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			s.serveSession(sess)
			next(sess)
		}
	}
}

func (s *Server) serveSession(sess ssh.Session) {
	if s.metrics != nil {
		s.metrics.ConnectionAccepted(s.name)
	}

	c := connection.NewStreamConn(sess.RemoteAddr().String(), sessionStream{sess},
		connection.WithListeners(s.listeners.Snapshot()...),
	)
	if err := c.Connect(sess.Context()); err != nil {
		s.logger.Warn("connect failed", "remote", c.RemoteAddr(), "error", err)
		return
	}
	s.logger.Debug("session started", "conn", c.Name(), "user", sess.User(), "remote", c.RemoteAddr())

	done := make(chan struct{})
	closing := handler.Closing(s.handler)
	err := s.dispatcher.Dispatch(sess.Context(), func(ctx context.Context) error {
		defer close(done)
		return closing.Handle(ctx, c)
	})
	if err != nil {
		s.logger.Warn("session refused by dispatcher", "conn", c.Name(), "error", err)
		c.Interrupt(err)
		_ = c.Close()
		return
	}

	select {
	case <-done:
	case <-sess.Context().Done():
		c.Interrupt(sess.Context().Err())
		_ = c.Close()
		<-done
	}
}

func (s *Server) passwordHandler(ctx ssh.Context, password string) bool {
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1 {
		return true
	}
	s.logger.Warn("rejected SSH password", "user", ctx.User(), "remote", ctx.RemoteAddr())
	return false
}

// Close sends exit status 0 and closes the channel.
func (st sessionStream) Close() error {
	return st.Exit(0)
}

func closeListeners(srv *ssh.Server) error {
	// ssh.Server has no API to close only its listeners; shutting it down
	// with an expired context stops the listeners and returns right away.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, ssh.ErrServerClosed) {
		return nil
	}
	return err
}

func ephemeralHostKey() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("encode host key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}
