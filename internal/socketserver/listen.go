// SPDX-License-Identifier: MPL-2.0

package socketserver

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// listenTCP binds address with the given backlog where the platform allows
// choosing it and with the system default elsewhere.
func listenTCP(ctx context.Context, address string, backlog int) (net.Listener, error) {
	ln, err := listenBacklog(address, backlog)
	if errors.Is(err, errBacklogUnsupported) {
		var lc net.ListenConfig
		return lc.Listen(ctx, "tcp", address)
	}
	return ln, err
}

// isClosedConnError reports whether err is the result of closing the
// listener, which is how Stop wakes a blocked Accept.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTemporaryAcceptError reports accept failures that leave the listener usable.
func isTemporaryAcceptError(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
