// SPDX-License-Identifier: MPL-2.0

package socketserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/invowk/sockserve/internal/config"
	"github.com/invowk/sockserve/internal/connection"
	"github.com/invowk/sockserve/internal/dispatch"
	"github.com/invowk/sockserve/internal/handler"
	"github.com/invowk/sockserve/internal/issue"
	"github.com/invowk/sockserve/internal/metrics"
	"github.com/invowk/sockserve/internal/service"
	"github.com/invowk/sockserve/internal/testutil"
)

const waitTimeout = 5 * time.Second

func testConfig() config.SocketServerConfig {
	cfg := config.DefaultConfig().SocketServer
	cfg.ServerHost = "127.0.0.1"
	cfg.SocketTimeout = 200
	cfg.ShutdownTimeout = 2000
	return cfg
}

func startServer(t *testing.T, cfg config.SocketServerConfig, opts ...Option) (*Server, *connection.BlockingListener) {
	t.Helper()
	events := connection.NewBlockingListener()
	s := New(cfg, append([]Option{WithConnectionListener(events)}, opts...)...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("warning: close returned error: %v", err)
		}
	})
	return s, events
}

func TestStartOnPortZeroFiresStartedOnce(t *testing.T) {
	t.Parallel()

	s, events := startServer(t, testConfig())
	if s.State() != service.StateRunning {
		t.Fatalf("state = %s, want running", s.State())
	}
	if s.Port() == 0 {
		t.Fatal("expected an OS-assigned port")
	}

	testutil.MustDial(t, s.Addr().String())

	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatalf("no started event: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := events.Pending(connection.EventStarted); n != 0 {
		t.Errorf("started fired %d extra times", n)
	}
}

func TestEchoRoundTripClosesOnce(t *testing.T) {
	t.Parallel()

	s, events := startServer(t, testConfig())
	conn := testutil.MustDial(t, s.Addr().String())

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := string(testutil.MustReadN(t, conn, 5, waitTimeout)); got != "hello" {
		t.Fatalf("echo = %q, want hello", got)
	}
	testutil.MustClose(t, conn)

	if _, err := events.WaitTimeout(connection.EventClosed, waitTimeout); err != nil {
		t.Fatalf("no closed event: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := events.Pending(connection.EventClosed); n != 0 {
		t.Errorf("closed fired %d extra times", n)
	}
	if n := events.Pending(connection.EventInterrupted); n != 0 {
		t.Errorf("clean close should not interrupt, got %d", n)
	}
}

func TestStopTerminatesPromptly(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SocketTimeout = 0 // Accept blocks without a deadline; only the close can wake it
	s, _ := startServer(t, cfg)
	addr := s.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if s.State() != service.StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
	if s.Addr() != nil {
		t.Error("Addr should be nil after stop")
	}
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		_ = c.Close()
		t.Error("dial should fail after stop")
	}

	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestMoreConnectionsThanPoolSize(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ActiveConnections = 2
	cfg.HandlerQueueSize = 16
	s, events := startServer(t, cfg)

	const clients = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := range clients {
		wg.Go(func() {
			conn, err := net.DialTimeout("tcp", s.Addr().String(), waitTimeout)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(waitTimeout))

			msg := []byte{'a' + byte(i)}
			if _, err := conn.Write(msg); err != nil {
				errs <- err
				return
			}
			buf := make([]byte, 1)
			if _, err := conn.Read(buf); err != nil {
				errs <- err
				return
			}
			if buf[0] != msg[0] {
				errs <- errors.New("wrong echo")
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("client failed: %v", err)
	}

	for range clients {
		if _, err := events.WaitTimeout(connection.EventClosed, waitTimeout); err != nil {
			t.Fatalf("missing closed event: %v", err)
		}
	}
}

func TestRejectPolicyInterruptsExcessConnections(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	running := make(chan struct{}, 8)
	blocking := handler.Func(func(context.Context, connection.Connection) error {
		running <- struct{}{}
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.ActiveConnections = 1
	cfg.HandlerQueueSize = 1
	cfg.Backpressure = string(dispatch.PolicyReject)
	s, events := startServer(t, cfg, WithHandler(blocking))
	defer close(release)

	testutil.MustDial(t, s.Addr().String())
	select {
	case <-running:
	case <-time.After(waitTimeout):
		t.Fatal("first connection never ran")
	}

	testutil.MustDial(t, s.Addr().String())
	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatal(err)
	}
	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatal(err)
	}

	testutil.MustDial(t, s.Addr().String())
	ev, err := events.WaitTimeout(connection.EventInterrupted, waitTimeout)
	if err != nil {
		t.Fatalf("expected the third connection to be interrupted: %v", err)
	}
	if !errors.Is(ev.Err, dispatch.ErrQueueFull) {
		t.Errorf("interrupted with %v, want ErrQueueFull", ev.Err)
	}
}

func TestSuspendKeepsListenerAndResumeServes(t *testing.T) {
	t.Parallel()

	s, events := startServer(t, testConfig())
	ctx := context.Background()

	if err := s.Suspend(ctx); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if s.Addr() == nil {
		t.Fatal("listener should stay bound while suspended")
	}

	conn := testutil.MustDial(t, s.Addr().String())
	if _, err := events.WaitTimeout(connection.EventStarted, 300*time.Millisecond); err == nil {
		t.Fatal("suspended server should not accept")
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatalf("backlogged connection not accepted after resume: %v", err)
	}
	if _, err := conn.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	if got := string(testutil.MustReadN(t, conn, 2, waitTimeout)); got != "ok" {
		t.Errorf("echo = %q", got)
	}
}

func TestSuspendRightAfterResumeIsPrompt(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SocketTimeout = 3000
	s, _ := startServer(t, cfg)
	ctx := context.Background()

	const rounds = 200
	var worst time.Duration
	for i := range rounds {
		if i > 0 {
			if err := s.Resume(ctx); err != nil {
				t.Fatalf("round %d: Resume failed: %v", i, err)
			}
		}
		begin := time.Now()
		if err := s.Suspend(ctx); err != nil {
			t.Fatalf("round %d: Suspend failed: %v", i, err)
		}
		worst = max(worst, time.Since(begin))
	}
	if worst > time.Second {
		t.Errorf("worst suspend took %v, want well under the %v socket timeout", worst, cfg.SocketTimeoutDuration())
	}
}

func TestStopFromSuspended(t *testing.T) {
	t.Parallel()

	s, _ := startServer(t, testConfig())
	ctx := context.Background()
	if err := s.Suspend(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop from suspended failed: %v", err)
	}
	if s.State() != service.StateStopped {
		t.Errorf("state = %s, want stopped", s.State())
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	s, events := startServer(t, testConfig())
	ctx := context.Background()

	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	testutil.MustDial(t, s.Addr().String())
	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatalf("restarted server does not accept: %v", err)
	}
}

func TestReconfigureAppliesOnRestart(t *testing.T) {
	t.Parallel()

	s, events := startServer(t, testConfig())
	ctx := context.Background()

	next := testConfig()
	next.ServerPort = freePort(t)
	if err := s.Reconfigure(next); !errors.Is(err, ErrReconfigureRunning) {
		t.Fatalf("Reconfigure while running: err = %v, want ErrReconfigureRunning", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	invalid := next
	invalid.ActiveConnections = 0
	if err := s.Reconfigure(invalid); err == nil {
		t.Fatal("Reconfigure accepted an invalid config")
	}
	if err := s.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if got := s.Config().ServerPort; got != next.ServerPort {
		t.Errorf("Config().ServerPort = %d, want %d", got, next.ServerPort)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if s.Port() != next.ServerPort {
		t.Errorf("Port() = %d, want %d", s.Port(), next.ServerPort)
	}
	testutil.MustDial(t, s.Addr().String())
	if _, err := events.WaitTimeout(connection.EventStarted, waitTimeout); err != nil {
		t.Fatalf("reconfigured server does not accept: %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	testutil.MustClose(t, ln)
	return port
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	t.Parallel()

	s := New(testConfig())
	ctx := context.Background()

	for name, apply := range map[string]func(context.Context) error{
		"suspend": s.Suspend,
		"resume":  s.Resume,
	} {
		err := apply(ctx)
		var ite *service.InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("%s: expected InvalidTransitionError, got %v", name, err)
		}
		if s.State() != service.StateUninitialized {
			t.Errorf("%s: state changed to %s", name, s.State())
		}
	}

	if err := s.Lifecycle.Stop(ctx); !errors.Is(err, service.ErrInvalidTransition) {
		t.Errorf("raw stop: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close of an unused server failed: %v", err)
	}
	if s.State() != service.StateDestroyed {
		t.Errorf("state = %s, want destroyed", s.State())
	}
}

func TestUnknownHandlerFailsInitialize(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ConnectionHandler = "com.example.MissingHandler"
	s := New(cfg)

	err := s.Start(context.Background())
	if !errors.Is(err, handler.ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
	if s.State() != service.StateUninitialized {
		t.Errorf("state = %s, want uninitialized", s.State())
	}
	if s.Dispatcher() != nil {
		t.Error("no pool should be created")
	}
}

func TestBindFailureKeepsInitialized(t *testing.T) {
	t.Parallel()

	first, _ := startServer(t, testConfig())

	cfg := testConfig()
	cfg.ServerPort = first.Port()
	second := New(cfg)
	defer func() { _ = second.Close() }()

	err := second.Start(context.Background())
	var ae *issue.ActionableError
	if !errors.As(err, &ae) || ae.Issue != issue.BindFailedId {
		t.Fatalf("expected BindFailedId actionable error, got %v", err)
	}
	if second.State() != service.StateInitialized {
		t.Errorf("state = %s, want initialized", second.State())
	}
}

func TestServiceListenerSeesTransitions(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []service.State
	l := service.ListenerFunc(func(ev service.Event) {
		mu.Lock()
		seen = append(seen, ev.To)
		mu.Unlock()
	})

	s := New(testConfig(), WithServiceListener(l))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	want := []service.State{service.StateInitialized, service.StateRunning, service.StateStopped, service.StateDestroyed}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestMetricsAreRecorded(t *testing.T) {
	t.Parallel()

	m := metrics.New(false)
	s, events := startServer(t, testConfig(), WithMetrics(m), WithName("metrics-test"))

	conn := testutil.MustDial(t, s.Addr().String())
	if _, err := conn.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	testutil.MustReadN(t, conn, 1, waitTimeout)
	testutil.MustClose(t, conn)
	if _, err := events.WaitTimeout(connection.EventClosed, waitTimeout); err != nil {
		t.Fatal(err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if values[metrics.Namespace+"_server_accepted_total"] != 1 {
		t.Errorf("accepted = %v, want 1", values[metrics.Namespace+"_server_accepted_total"])
	}
	if values[metrics.Namespace+"_connection_closed_total"] != 1 {
		t.Errorf("closed = %v, want 1", values[metrics.Namespace+"_connection_closed_total"])
	}
	if values[metrics.Namespace+"_connection_active"] != 0 {
		t.Errorf("active = %v, want 0", values[metrics.Namespace+"_connection_active"])
	}
	if values[metrics.Namespace+"_service_state"] != float64(service.StateRunning) {
		t.Errorf("state gauge = %v, want running", values[metrics.Namespace+"_service_state"])
	}
}

func TestIsClosedConnError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_ = ln.Close()
	_, acceptErr := ln.Accept()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"accept after close", acceptErr, true},
		{"net.ErrClosed", net.ErrClosed, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := isClosedConnError(tt.err); got != tt.want {
			t.Errorf("%s: isClosedConnError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
