// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultSize is the default number of workers.
	DefaultSize = 5
	// DefaultQueueSize is the default number of tasks that may wait for a worker.
	DefaultQueueSize = 10
)

var (
	// ErrQueueFull is returned by Dispatch under PolicyReject when no queue slot is free.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrPoolClosed is returned by Dispatch after Shutdown was called.
	ErrPoolClosed = errors.New("dispatch pool closed")
)

type (
	// Task is a unit of work. The context is cancelled only when Shutdown gives up
	// waiting for in-flight work.
	Task func(ctx context.Context) error

	// Dispatcher accepts units of work.
	Dispatcher interface {
		Dispatch(ctx context.Context, task Task) error
	}

	// Config sizes a Pool.
	Config struct {
		// Size is the number of workers (default 5).
		Size int
		// QueueSize is the number of tasks that may wait for a free worker.
		// Zero means a task is only accepted when a worker is ready to take it.
		QueueSize int
		// Policy decides what happens when the queue is full (default block).
		Policy Policy
	}

	// Recorder receives pool instrumentation. See internal/metrics.
	Recorder interface {
		TaskQueued()
		TaskRejected()
		TaskStarted(wait time.Duration)
		TaskFinished(d time.Duration, err error)
	}

	// Pool is a fixed-size worker pool fed by a bounded FIFO queue.
	Pool struct {
		cfg Config

		queue chan queuedTask

		// closeMu guards closed and the close of queue against concurrent sends.
		closeMu sync.RWMutex
		closed  bool
		// closing is closed by Shutdown before it takes closeMu, releasing
		// Dispatch calls blocked on a full queue.
		closing   chan struct{}
		closeOnce sync.Once

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		active atomic.Int64

		logger   *log.Logger
		recorder Recorder
	}

	// PoolOption configures a Pool.
	PoolOption func(*Pool)

	queuedTask struct {
		task     Task
		enqueued time.Time
	}

	nopRecorder struct{}
)

// WithLogger sets the logger used for task failures and panics.
func WithLogger(logger *log.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(r Recorder) PoolOption {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewPool creates a Pool and starts its workers.
func NewPool(cfg Config, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBlock
	}

	p := &Pool{
		cfg:      cfg,
		queue:    make(chan queuedTask, cfg.QueueSize),
		closing:  make(chan struct{}),
		logger:   log.New(io.Discard),
		recorder: nopRecorder{},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(p)
	}

	for i := range cfg.Size {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.queue)
}

// Dispatch enqueues task. Tasks are started in the order they were accepted.
//
// When the queue is full, PolicyBlock waits for space or for ctx to be done, and
// PolicyReject fails with ErrQueueFull. After Shutdown, Dispatch fails with
// ErrPoolClosed, including calls that were blocked waiting for space.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("dispatch: nil task")
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	qt := queuedTask{task: task, enqueued: time.Now()}

	select {
	case p.queue <- qt:
		p.recorder.TaskQueued()
		return nil
	default:
	}

	if p.cfg.Policy == PolicyReject {
		p.recorder.TaskRejected()
		return ErrQueueFull
	}

	select {
	case p.queue <- qt:
		p.recorder.TaskQueued()
		return nil
	case <-p.closing:
		p.recorder.TaskRejected()
		return ErrPoolClosed
	case <-ctx.Done():
		p.recorder.TaskRejected()
		return fmt.Errorf("dispatch: waiting for queue space: %w", ctx.Err())
	}
}

// Shutdown stops accepting work and waits until every queued and in-flight task
// finished. If ctx ends first, the task context is cancelled and ctx.Err() is
// returned; workers keep draining in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })

	p.closeMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("dispatch: shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for qt := range p.queue {
		p.run(id, qt)
	}
}

func (p *Pool) run(id int, qt queuedTask) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	p.recorder.TaskStarted(start.Sub(qt.enqueued))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panicked", "worker", id, "panic", r, "stack", string(debug.Stack()))
		}
		p.recorder.TaskFinished(time.Since(start), err)
	}()

	err = qt.task(p.ctx)
	if err != nil {
		p.logger.Error("task failed", "worker", id, "error", err)
	}
}

func (nopRecorder) TaskQueued() {}

func (nopRecorder) TaskRejected() {}

func (nopRecorder) TaskStarted(time.Duration) {}

func (nopRecorder) TaskFinished(time.Duration, error) {}
