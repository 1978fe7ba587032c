// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, cfg Config, opts ...PoolOption) *Pool {
	t.Helper()
	p, err := NewPool(cfg, opts...)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPoolDefaults(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{QueueSize: 3})
	cfg := p.Config()
	if cfg.Size != DefaultSize {
		t.Errorf("Size = %d, want %d", cfg.Size, DefaultSize)
	}
	if cfg.Policy != PolicyBlock {
		t.Errorf("Policy = %q, want %q", cfg.Policy, PolicyBlock)
	}
}

func TestPoolInvalidPolicy(t *testing.T) {
	t.Parallel()

	_, err := NewPool(Config{Policy: "drop-oldest"})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestPoolFIFOWithSingleWorker(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{Size: 1, QueueSize: 10})

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	release := make(chan struct{})

	// Hold the only worker so that the rest queue up.
	wg.Add(1)
	if err := p.Dispatch(context.Background(), func(context.Context) error {
		defer wg.Done()
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	for i := range 5 {
		wg.Add(1)
		if err := p.Dispatch(context.Background(), func(context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}

	close(release)
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPoolRejectPolicy(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{Size: 1, QueueSize: 1, Policy: PolicyReject})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocker := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	if err := p.Dispatch(context.Background(), blocker); err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	<-started // worker is busy

	if err := p.Dispatch(context.Background(), blocker); err != nil {
		t.Fatalf("second Dispatch should queue, got %v", err)
	}

	if err := p.Dispatch(context.Background(), blocker); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Dispatch: expected ErrQueueFull, got %v", err)
	}
}

func TestPoolBlockPolicyBackpressure(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{Size: 1, QueueSize: 1, Policy: PolicyBlock})

	started := make(chan struct{}, 1)
	release := make(chan struct{})

	blocker := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	_ = p.Dispatch(context.Background(), blocker)
	<-started
	_ = p.Dispatch(context.Background(), blocker)

	// Queue is full: a dispatch with a short deadline must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Dispatch(ctx, blocker); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// A blocking dispatch completes once the worker frees a slot.
	done := make(chan error, 1)
	go func() {
		done <- p.Dispatch(context.Background(), func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		t.Fatalf("Dispatch returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Dispatch failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Dispatch never completed")
	}
}

func TestPoolRunsEverySubmittedTask(t *testing.T) {
	t.Parallel()

	const tasks = 50
	p := newTestPool(t, Config{Size: 3, QueueSize: 4, Policy: PolicyBlock})

	var ran atomic.Int64
	var wg sync.WaitGroup
	for range tasks {
		wg.Go(func() {
			err := p.Dispatch(context.Background(), func(context.Context) error {
				time.Sleep(time.Millisecond)
				ran.Add(1)
				return nil
			})
			if err != nil {
				t.Errorf("Dispatch failed: %v", err)
			}
		})
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := ran.Load(); got != tasks {
		t.Errorf("ran %d tasks, want %d", got, tasks)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const size = 2
	p := newTestPool(t, Config{Size: size, QueueSize: 20})

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		_ = p.Dispatch(context.Background(), func(context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		})
	}
	wg.Wait()

	if peak.Load() > size {
		t.Errorf("peak concurrency %d exceeds pool size %d", peak.Load(), size)
	}
}

func TestPoolShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()

	p, err := NewPool(Config{Size: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
	if err := p.Dispatch(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolShutdownTimeoutCancelsTasks(t *testing.T) {
	t.Parallel()

	p, err := NewPool(Config{Size: 1})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	cancelled := make(chan struct{})
	started := make(chan struct{})
	_ = p.Dispatch(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPoolShutdownDeadlineWithBlockedDispatch(t *testing.T) {
	t.Parallel()

	p, err := NewPool(Config{Size: 1, QueueSize: 0, Policy: PolicyBlock})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	started := make(chan struct{})
	_ = p.Dispatch(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Dispatch(context.Background(), func(context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		shutdown <- p.Shutdown(ctx)
	}()

	select {
	case err := <-shutdown:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown ignored its deadline while a Dispatch was blocked")
	}

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("blocked Dispatch error = %v, want ErrPoolClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Dispatch was not released by Shutdown")
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	rec := &countingRecorder{}
	p := newTestPool(t, Config{Size: 1, QueueSize: 2}, WithRecorder(rec))

	_ = p.Dispatch(context.Background(), func(context.Context) error { panic("boom") })

	done := make(chan struct{})
	_ = p.Dispatch(context.Background(), func(context.Context) error {
		close(done)
		return errors.New("plain failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)

	if rec.failed.Load() != 2 {
		t.Errorf("failed tasks = %d, want 2", rec.failed.Load())
	}
	if rec.queued.Load() != 2 {
		t.Errorf("queued tasks = %d, want 2", rec.queued.Load())
	}
}

func TestPoolNilTask(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{Size: 1})
	if err := p.Dispatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyBlock, false},
		{"block", PolicyBlock, false},
		{" REJECT ", PolicyReject, false},
		{"drop", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type countingRecorder struct {
	queued, rejected, started, failed atomic.Int64
}

func (r *countingRecorder) TaskQueued() { r.queued.Add(1) }

func (r *countingRecorder) TaskRejected() { r.rejected.Add(1) }

func (r *countingRecorder) TaskStarted(time.Duration) { r.started.Add(1) }

func (r *countingRecorder) TaskFinished(_ time.Duration, err error) {
	if err != nil {
		r.failed.Add(1)
	}
}
