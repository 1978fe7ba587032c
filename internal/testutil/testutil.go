// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

// StopTimeout bounds MustStop and DeferStop.
const StopTimeout = 5 * time.Second

// Stopper is implemented by servers with a context-aware Stop.
type Stopper interface {
	Stop(ctx context.Context) error
}

// MustChdir changes the current working directory to dir.
// It returns a cleanup function that restores the original directory.
// The test fails immediately if the directory change fails.
func MustChdir(t testing.TB, dir string) func() {
	t.Helper()
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get current directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("failed to change directory to %s: %v", dir, err)
	}
	return func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Errorf("failed to restore directory to %s: %v", originalWd, err)
		}
	}
}

// MustSetenv sets the environment variable key to value.
// It returns a cleanup function that restores the original value (or unsets it).
func MustSetenv(t testing.TB, key, value string) func() {
	t.Helper()
	originalValue, hadValue := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	return func() {
		if hadValue {
			if err := os.Setenv(key, originalValue); err != nil {
				t.Errorf("failed to restore env %s: %v", key, err)
			}
		} else {
			if err := os.Unsetenv(key); err != nil {
				t.Errorf("failed to unset env %s: %v", key, err)
			}
		}
	}
}

// MustUnsetenv unsets the environment variable key.
// It returns a cleanup function that restores the original value (if any).
func MustUnsetenv(t testing.TB, key string) func() {
	t.Helper()
	originalValue, hadValue := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	return func() {
		if hadValue {
			if err := os.Setenv(key, originalValue); err != nil {
				t.Errorf("failed to restore env %s: %v", key, err)
			}
		}
	}
}

// MustDial opens a TCP connection to addr and closes it when the test ends.
func MustDial(t testing.TB, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, StopTimeout)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// MustReadN reads exactly n bytes from r within timeout when r supports
// read deadlines.
func MustReadN(t testing.TB, r io.Reader, n int, timeout time.Duration) []byte {
	t.Helper()
	if d, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			t.Fatalf("failed to set read deadline: %v", err)
		}
		defer func() { _ = d.SetReadDeadline(time.Time{}) }()
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("failed to read %d bytes: %v", n, err)
	}
	return buf
}

// MustClose closes the given io.Closer.
// The test fails immediately if the close fails.
func MustClose(t testing.TB, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
}

// MustStop stops the given Stopper within StopTimeout.
// Unlike MustClose, this logs errors but doesn't fail the test,
// as shutdown errors during cleanup are typically non-fatal.
func MustStop(t testing.TB, s Stopper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Logf("warning: stop returned error: %v", err)
	}
}

// DeferClose returns a cleanup function that closes the given io.Closer,
// logging any errors. Useful for defer statements in tests.
func DeferClose(t testing.TB, c io.Closer) func() {
	t.Helper()
	return func() {
		t.Helper()
		if err := c.Close(); err != nil {
			t.Logf("warning: close returned error: %v", err)
		}
	}
}

// DeferStop returns a cleanup function that stops the given Stopper,
// logging any errors. Useful for defer statements in tests.
func DeferStop(t testing.TB, s Stopper) func() {
	t.Helper()
	return func() {
		t.Helper()
		MustStop(t, s)
	}
}
