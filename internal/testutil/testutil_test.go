// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"
)

type fakeStopper struct {
	calls int
	err   error
}

func (f *fakeStopper) Stop(ctx context.Context) error {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	return f.err
}

func TestMustStopAndDeferStop(t *testing.T) {
	t.Parallel()

	s := &fakeStopper{}
	MustStop(t, s)
	DeferStop(t, s)()
	if s.calls != 2 {
		t.Errorf("Stop called %d times, want 2", s.calls)
	}

	MustStop(t, &fakeStopper{err: errors.New("ignored")})
}

//nolint:paralleltest // mutates environment
func TestMustSetenvRestores(t *testing.T) {
	const key = "SOCKSERVE_TESTUTIL_SETENV"
	restore := MustUnsetenv(t, key)
	defer restore()

	undo := MustSetenv(t, key, "1")
	if os.Getenv(key) != "1" {
		t.Fatal("MustSetenv did not set the variable")
	}
	undo()
	if _, ok := os.LookupEnv(key); ok {
		t.Error("cleanup should unset a variable that was not set before")
	}
}

func TestMustDialAndReadN(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer DeferClose(t, ln)()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("pong"))
	}()

	conn := MustDial(t, ln.Addr().String())
	if got := string(MustReadN(t, conn, 4, time.Second)); got != "pong" {
		t.Errorf("read %q, want pong", got)
	}
}
