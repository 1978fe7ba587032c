// SPDX-License-Identifier: MPL-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	// EventStarted fires once Connect succeeds.
	EventStarted EventKind = iota
	// EventClosing fires when Close begins, before the transport is released.
	EventClosing
	// EventClosed fires after the transport was released.
	EventClosed
	// EventInterrupted fires when processing of the connection failed.
	EventInterrupted

	numEventKinds = int(EventInterrupted) + 1
)

var (
	// ErrNotConnected is returned by stream accessors before Connect succeeded.
	ErrNotConnected = errors.New("connection not connected")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrInvalidEventKind is returned when an EventKind value is not recognized.
	ErrInvalidEventKind = errors.New("invalid event kind")
)

type (
	// EventKind identifies a connection lifecycle notification.
	EventKind int

	// Event is a single notification delivered to a BlockingListener queue.
	Event struct {
		Kind EventKind
		Conn Connection
		// Err is set for EventInterrupted.
		Err error
	}

	// Connection is a bidirectional byte-stream endpoint.
	Connection interface {
		// Name identifies the connection in logs and events.
		Name() string
		// RemoteAddr describes the peer, or "" when unknown.
		RemoteAddr() string
		// Connect establishes the endpoint. It fails with *IOError when the
		// transport cannot be opened and with ErrClosed after Close.
		Connect(ctx context.Context) error
		// IsConnected reports whether Connect succeeded and Close was not called.
		IsConnected() bool
		// InputStream returns the read side; valid only while connected.
		InputStream() (io.Reader, error)
		// OutputStream returns the write side; valid only while connected.
		OutputStream() (io.Writer, error)
		// Interrupt reports that processing failed with err.
		Interrupt(err error)
		// Close releases the transport. It is idempotent.
		Close() error

		AddListener(l Listener)
		RemoveListener(l Listener)
	}

	// IOError reports a transport failure while opening a connection.
	IOError struct {
		Op   string
		Name string
		Err  error
	}
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventClosing:
		return "closing"
	case EventClosed:
		return "closed"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Validate returns nil for defined event kinds, ErrInvalidEventKind otherwise.
func (k EventKind) Validate() error {
	if k < EventStarted || int(k) >= numEventKinds {
		return fmt.Errorf("%w: %d", ErrInvalidEventKind, int(k))
	}
	return nil
}

// Error implements the error interface for IOError.
func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Copy is io.Copy from c's input to c's output stream.
func Copy(c Connection) (int64, error) {
	in, err := c.InputStream()
	if err != nil {
		return 0, err
	}
	out, err := c.OutputStream()
	if err != nil {
		return 0, err
	}
	return io.Copy(out, in)
}
