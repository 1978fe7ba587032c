// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"context"
	"fmt"
	"io"

	"github.com/invowk/sockserve/internal/connection"
	"github.com/invowk/sockserve/internal/dispatch"

	"github.com/charmbracelet/log"
)

type (
	closingHandler struct {
		next Handler
	}

	// AsyncHandler dispatches the wrapped handler onto a worker pool.
	AsyncHandler struct {
		next       Handler
		dispatcher dispatch.Dispatcher
		logger     *log.Logger
	}

	// AsyncOption configures an AsyncHandler.
	AsyncOption func(*AsyncHandler)
)

// Closing returns a handler that connects c, runs next and always closes c
// afterwards. A failure other than the peer going away is reported to the
// connection listeners as an interruption before the close.
func Closing(next Handler) Handler {
	return &closingHandler{next: next}
}

func (h *closingHandler) Handle(ctx context.Context, c connection.Connection) (err error) {
	defer func() {
		if cerr := c.Close(); cerr != nil && err == nil && !IsPeerGone(cerr) {
			err = fmt.Errorf("close %s: %w", c.Name(), cerr)
		}
	}()

	if err := c.Connect(ctx); err != nil {
		c.Interrupt(err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked on %s: %v", c.Name(), r)
			c.Interrupt(err)
			panic(r)
		}
	}()

	if err := h.next.Handle(ctx, c); err != nil {
		if !IsPeerGone(err) {
			c.Interrupt(err)
		}
		return err
	}
	return nil
}

// WithAsyncLogger sets the logger used when a submission is refused.
func WithAsyncLogger(logger *log.Logger) AsyncOption {
	return func(h *AsyncHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Async wraps next so that Handle returns as soon as the work is queued.
// Failures of next happen on a worker goroutine and are logged by the pool.
func Async(next Handler, d dispatch.Dispatcher, opts ...AsyncOption) *AsyncHandler {
	h := &AsyncHandler{
		next:       next,
		dispatcher: d,
		logger:     log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle submits next.Handle(c) to the dispatcher. It blocks only while the
// dispatcher applies backpressure. When the submission is refused, the
// connection is interrupted and closed and the refusal is returned.
func (h *AsyncHandler) Handle(ctx context.Context, c connection.Connection) error {
	next := h.next
	err := h.dispatcher.Dispatch(ctx, func(taskCtx context.Context) error {
		return next.Handle(taskCtx, c)
	})
	if err != nil {
		h.logger.Warn("connection refused by dispatcher", "conn", c.Name(), "remote", c.RemoteAddr(), "error", err)
		c.Interrupt(err)
		_ = c.Close() // Best-effort release of a connection nobody will serve
		return fmt.Errorf("dispatch %s: %w", c.Name(), err)
	}
	return nil
}

// Unwrap returns the decorated handler.
func (h *AsyncHandler) Unwrap() Handler {
	return h.next
}
