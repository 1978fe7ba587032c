// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/invowk/sockserve/internal/connection"
)

type (
	// Handler processes one connection.
	Handler interface {
		Handle(ctx context.Context, c connection.Connection) error
	}

	// Func adapts a function to Handler.
	Func func(ctx context.Context, c connection.Connection) error

	// Echo writes back everything it reads until the peer closes its side.
	Echo struct{}

	// Discard reads and drops everything until the peer closes its side.
	Discard struct{}

	// LineEcho echoes newline-delimited lines, each prefixed with Prefix.
	LineEcho struct {
		Prefix string
	}
)

// Handle implements Handler.
func (f Func) Handle(ctx context.Context, c connection.Connection) error {
	return f(ctx, c)
}

// Handle implements Handler.
func (Echo) Handle(_ context.Context, c connection.Connection) error {
	if _, err := connection.Copy(c); err != nil && !IsPeerGone(err) {
		return fmt.Errorf("echo %s: %w", c.Name(), err)
	}
	return nil
}

// Handle implements Handler.
func (Discard) Handle(_ context.Context, c connection.Connection) error {
	in, err := c.InputStream()
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, in); err != nil && !IsPeerGone(err) {
		return fmt.Errorf("discard %s: %w", c.Name(), err)
	}
	return nil
}

// Handle implements Handler.
func (h LineEcho) Handle(ctx context.Context, c connection.Connection) error {
	in, err := c.InputStream()
	if err != nil {
		return err
	}
	out, err := c.OutputStream()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s%s\n", h.Prefix, scanner.Bytes()); err != nil {
			return fmt.Errorf("line-echo %s: %w", c.Name(), err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("line-echo %s: %w", c.Name(), err)
		}
	}
	if err := scanner.Err(); err != nil && !IsPeerGone(err) {
		return fmt.Errorf("line-echo %s: %w", c.Name(), err)
	}
	return nil
}

// IsPeerGone reports whether err only says that the stream ended: a clean EOF,
// a closed connection or a peer reset.
func IsPeerGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, connection.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
