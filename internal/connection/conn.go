// SPDX-License-Identifier: MPL-2.0

package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	stateNew connState = iota
	stateConnected
	stateClosed
)

type (
	connState int

	opener func(ctx context.Context) (io.ReadWriteCloser, error)

	// Conn is the stream-backed Connection implementation used for sockets,
	// SSH sessions and dialed endpoints.
	Conn struct {
		name        string
		remote      string
		idleTimeout time.Duration
		open        opener

		mu          sync.Mutex
		state       connState
		rwc         io.ReadWriteCloser
		started     bool
		interrupted bool

		listeners ListenerSet
	}

	// Option configures a Conn.
	Option func(*Conn)

	readDeadliner interface {
		SetReadDeadline(t time.Time) error
	}

	writeDeadliner interface {
		SetWriteDeadline(t time.Time) error
	}

	deadlineReader struct {
		r       io.Reader
		d       readDeadliner
		timeout time.Duration
	}

	deadlineWriter struct {
		w       io.Writer
		d       writeDeadliner
		timeout time.Duration
	}
)

// NewName returns a fresh connection name.
func NewName() string {
	return "conn-" + uuid.NewString()
}

// WithName overrides the generated connection name.
func WithName(name string) Option {
	return func(c *Conn) {
		if name != "" {
			c.name = name
		}
	}
}

// WithIdleTimeout bounds every read and write on transports that support
// deadlines. Zero disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.idleTimeout = d
	}
}

// WithListener registers l before the connection is returned.
func WithListener(l Listener) Option {
	return func(c *Conn) {
		c.listeners.Add(l)
	}
}

// WithListeners registers every listener in order.
func WithListeners(ls ...Listener) Option {
	return func(c *Conn) {
		for _, l := range ls {
			c.listeners.Add(l)
		}
	}
}

// NewNetConn wraps an established socket, typically one returned by Accept.
func NewNetConn(nc net.Conn, opts ...Option) *Conn {
	c := newConn(opts...)
	c.rwc = nc
	if addr := nc.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	return c
}

// NewStreamConn wraps any established byte stream.
func NewStreamConn(remote string, rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := newConn(opts...)
	c.rwc = rwc
	c.remote = remote
	return c
}

// NewDialConn returns a connection whose transport is dialed on Connect. The
// CLI clients use it to talk to a running server.
func NewDialConn(network, address string, opts ...Option) *Conn {
	c := newConn(opts...)
	c.remote = address
	c.open = func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
	return c
}

func newConn(opts ...Option) *Conn {
	c := &Conn{name: NewName()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Connection.
func (c *Conn) Name() string {
	return c.name
}

// RemoteAddr implements Connection.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// AddListener implements Connection.
func (c *Conn) AddListener(l Listener) {
	c.listeners.Add(l)
}

// RemoveListener implements Connection.
func (c *Conn) RemoveListener(l Listener) {
	c.listeners.Remove(l)
}

// Connect implements Connection. Connecting an already connected Conn is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	}

	if c.rwc == nil {
		if c.open == nil {
			c.mu.Unlock()
			return &IOError{Op: "connect", Name: c.name, Err: ErrNotConnected}
		}
		rwc, err := c.open(ctx)
		if err != nil {
			c.mu.Unlock()
			return &IOError{Op: "connect", Name: c.name, Err: err}
		}
		c.rwc = rwc
	}
	c.state = stateConnected
	c.started = true
	c.mu.Unlock()

	c.listeners.Notify(Event{Kind: EventStarted, Conn: c})
	return nil
}

// IsConnected implements Connection.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// WasStarted reports whether Connect ever succeeded, even if the connection
// has since been closed.
func (c *Conn) WasStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// InputStream implements Connection.
func (c *Conn) InputStream() (io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	if d, ok := c.rwc.(readDeadliner); ok && c.idleTimeout > 0 {
		return &deadlineReader{r: c.rwc, d: d, timeout: c.idleTimeout}, nil
	}
	return c.rwc, nil
}

// OutputStream implements Connection.
func (c *Conn) OutputStream() (io.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	if d, ok := c.rwc.(writeDeadliner); ok && c.idleTimeout > 0 {
		return &deadlineWriter{w: c.rwc, d: d, timeout: c.idleTimeout}, nil
	}
	return c.rwc, nil
}

// CloseWrite half-closes the transport so the peer sees end of input while
// its reply can still be read. Transports without half-close report
// errors.ErrUnsupported.
func (c *Conn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	hc, ok := c.rwc.(interface{ CloseWrite() error })
	if !ok {
		return errors.ErrUnsupported
	}
	return hc.CloseWrite()
}

// Interrupt implements Connection. Only the first interruption of an open
// connection is reported.
func (c *Conn) Interrupt(err error) {
	c.mu.Lock()
	if c.interrupted || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.interrupted = true
	c.mu.Unlock()

	c.listeners.Notify(Event{Kind: EventInterrupted, Conn: c, Err: err})
}

// Close implements Connection. Listeners see closing and closed exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	rwc := c.rwc
	c.mu.Unlock()

	c.listeners.Notify(Event{Kind: EventClosing, Conn: c})

	var err error
	if rwc != nil {
		err = rwc.Close()
	}

	c.listeners.Notify(Event{Kind: EventClosed, Conn: c})
	return err
}

func (c *Conn) checkConnected() error {
	switch c.state {
	case stateConnected:
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.d.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if err := w.d.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
