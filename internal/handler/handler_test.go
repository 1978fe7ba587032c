// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/invowk/sockserve/internal/connection"
)

func connectedPipe(t *testing.T, opts ...connection.Option) (*connection.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := connection.NewNetConn(server, opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = c.Close()
	})
	return c, client
}

func TestEchoHandler(t *testing.T) {
	t.Parallel()

	c, client := connectedPipe(t)
	done := make(chan error, 1)
	go func() { done <- Echo{}.Handle(context.Background(), c) }()

	for _, msg := range []string{"hello", "world"} {
		if _, err := client.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(buf) != msg {
			t.Errorf("echo = %q, want %q", buf, msg)
		}
	}

	_ = client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Echo returned %v after peer close, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Echo did not return after peer close")
	}
}

func TestLineEchoHandler(t *testing.T) {
	t.Parallel()

	c, client := connectedPipe(t)
	go func() { _ = LineEcho{Prefix: "> "}.Handle(context.Background(), c) }()

	reader := bufio.NewReader(client)
	for _, line := range []string{"one", "two"} {
		if _, err := client.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != "> "+line+"\n" {
			t.Errorf("got %q, want %q", got, "> "+line+"\n")
		}
	}
}

func TestDiscardHandler(t *testing.T) {
	t.Parallel()

	c, client := connectedPipe(t)
	done := make(chan error, 1)
	go func() { done <- Discard{}.Handle(context.Background(), c) }()

	if _, err := client.Write([]byte(strings.Repeat("x", 4096))); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Discard returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Discard did not return")
	}
}

func TestHandlersRequireConnectedConnection(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()
	c := connection.NewNetConn(server)
	defer c.Close()

	for name, h := range map[string]Handler{"echo": Echo{}, "discard": Discard{}, "line-echo": LineEcho{}} {
		if err := h.Handle(context.Background(), c); !errors.Is(err, connection.ErrNotConnected) {
			t.Errorf("%s: expected ErrNotConnected, got %v", name, err)
		}
	}
}

func TestIsPeerGone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{io.ErrClosedPipe, true},
		{net.ErrClosed, true},
		{connection.ErrClosed, true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsPeerGone(tt.err); got != tt.want {
			t.Errorf("IsPeerGone(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
