// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/invowk/sockserve/internal/connection"
	"github.com/invowk/sockserve/internal/dispatch"
)

func TestClosingConnectsAndCloses(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()

	events := connection.NewBlockingListener()
	c := connection.NewNetConn(server, connection.WithListener(events))

	var sawConnected bool
	h := Closing(Func(func(_ context.Context, c connection.Connection) error {
		sawConnected = c.IsConnected()
		return nil
	}))

	if err := h.Handle(context.Background(), c); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !sawConnected {
		t.Error("wrapped handler should see a connected connection")
	}
	if c.IsConnected() {
		t.Error("connection should be closed after Handle")
	}
	for _, kind := range []connection.EventKind{connection.EventStarted, connection.EventClosed} {
		if n := events.Pending(kind); n != 1 {
			t.Errorf("%s events = %d, want 1", kind, n)
		}
	}
	if n := events.Pending(connection.EventInterrupted); n != 0 {
		t.Errorf("interrupted events = %d, want 0", n)
	}
}

func TestClosingReportsInterruption(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()

	events := connection.NewBlockingListener()
	c := connection.NewNetConn(server, connection.WithListener(events))

	boom := errors.New("protocol violation")
	err := Closing(Func(func(context.Context, connection.Connection) error { return boom })).Handle(context.Background(), c)
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	ev, werr := events.WaitTimeout(connection.EventInterrupted, time.Second)
	if werr != nil {
		t.Fatalf("expected interrupted event: %v", werr)
	}
	if !errors.Is(ev.Err, boom) {
		t.Errorf("interrupted with %v, want %v", ev.Err, boom)
	}
	if events.Pending(connection.EventClosed) != 1 {
		t.Error("connection should be closed exactly once")
	}
}

func TestClosingIgnoresPeerGone(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()

	events := connection.NewBlockingListener()
	c := connection.NewNetConn(server, connection.WithListener(events))

	_ = Closing(Func(func(context.Context, connection.Connection) error { return io.EOF })).Handle(context.Background(), c)
	if n := events.Pending(connection.EventInterrupted); n != 0 {
		t.Errorf("EOF should not interrupt, got %d events", n)
	}
}

func TestAsyncReturnsBeforeHandlerRuns(t *testing.T) {
	t.Parallel()

	pool, err := dispatch.NewPool(dispatch.Config{Size: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer func() { _ = pool.Shutdown(context.Background()) }()

	release := make(chan struct{})
	finished := make(chan struct{})
	inner := Func(func(context.Context, connection.Connection) error {
		<-release
		close(finished)
		return errors.New("failure on the worker is not returned to the caller")
	})

	server, client := net.Pipe()
	defer client.Close()
	c := connection.NewNetConn(server)

	h := Async(Closing(inner), pool)
	if h.Unwrap() == nil {
		t.Fatal("Unwrap returned nil")
	}

	returned := make(chan error, 1)
	go func() { returned <- h.Handle(context.Background(), c) }()

	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("Async Handle returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Async Handle blocked on the wrapped handler")
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("wrapped handler never ran")
	}
}

func TestAsyncRefusedSubmissionClosesConnection(t *testing.T) {
	t.Parallel()

	pool, err := dispatch.NewPool(dispatch.Config{Size: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	_ = pool.Shutdown(context.Background())

	server, client := net.Pipe()
	defer client.Close()

	events := connection.NewBlockingListener()
	c := connection.NewNetConn(server, connection.WithListener(events))

	err = Async(Echo{}, pool).Handle(context.Background(), c)
	if !errors.Is(err, dispatch.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if events.Pending(connection.EventClosed) != 1 {
		t.Error("refused connection should be closed")
	}
	if events.Pending(connection.EventInterrupted) != 1 {
		t.Error("refused connection should be interrupted")
	}
}
