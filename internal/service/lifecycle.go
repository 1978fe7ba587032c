// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type (
	// Hooks is implemented by the owner of a Lifecycle. Each method runs while the
	// transition lock is held, after the transition was validated and before the
	// new state is stored. Returning an error aborts the transition.
	Hooks interface {
		OnInitialize(ctx context.Context) error
		OnStart(ctx context.Context) error
		OnSuspend(ctx context.Context) error
		OnResume(ctx context.Context) error
		OnStop(ctx context.Context) error
		OnDestroy(ctx context.Context) error
	}

	// NopHooks implements Hooks with no-ops. Embed it to override only what you need.
	NopHooks struct{}

	// Service is the read/drive surface exposed to controllers such as the CLI
	// and the HTTP control plane.
	Service interface {
		Name() string
		State() State
		Apply(ctx context.Context, t Transition) error
		AddListener(l Listener)
		RemoveListener(l Listener)
	}

	// Lifecycle is the state machine. The zero value is not usable; use New.
	Lifecycle struct {
		name  string
		hooks Hooks

		// State management (atomic for lock-free reads)
		state atomic.Int32

		// Serializes transitions, hooks and listener notification.
		transMu sync.Mutex

		listeners *listenerSet
		doneCh    chan struct{}
		logger    *log.Logger
	}
)

// OnInitialize implements Hooks.
func (NopHooks) OnInitialize(context.Context) error { return nil }

// OnStart implements Hooks.
func (NopHooks) OnStart(context.Context) error { return nil }

// OnSuspend implements Hooks.
func (NopHooks) OnSuspend(context.Context) error { return nil }

// OnResume implements Hooks.
func (NopHooks) OnResume(context.Context) error { return nil }

// OnStop implements Hooks.
func (NopHooks) OnStop(context.Context) error { return nil }

// OnDestroy implements Hooks.
func (NopHooks) OnDestroy(context.Context) error { return nil }

// New creates a Lifecycle in StateUninitialized. A nil hooks value is replaced by NopHooks.
func New(name string, hooks Hooks, opts ...Option) *Lifecycle {
	if hooks == nil {
		hooks = NopHooks{}
	}
	l := &Lifecycle{
		name:      name,
		hooks:     hooks,
		listeners: &listenerSet{},
		doneCh:    make(chan struct{}),
		logger:    log.New(io.Discard),
	}
	l.state.Store(int32(StateUninitialized))

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the service name used in errors, events and logs.
func (l *Lifecycle) Name() string {
	return l.name
}

// State returns the current state (atomic, lock-free read).
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Is reports whether the current state equals s.
func (l *Lifecycle) Is(s State) bool {
	return l.State() == s
}

// Done returns a channel that is closed once the service is destroyed.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.doneCh
}

// AddListener registers l. Registering the same listener twice has no effect.
func (l *Lifecycle) AddListener(listener Listener) {
	l.listeners.add(listener)
}

// RemoveListener unregisters l by identity.
func (l *Lifecycle) RemoveListener(listener Listener) {
	l.listeners.remove(listener)
}

// Initialize applies TransitionInitialize.
func (l *Lifecycle) Initialize(ctx context.Context) error {
	return l.Apply(ctx, TransitionInitialize)
}

// Start applies TransitionStart.
func (l *Lifecycle) Start(ctx context.Context) error {
	return l.Apply(ctx, TransitionStart)
}

// Suspend applies TransitionSuspend.
func (l *Lifecycle) Suspend(ctx context.Context) error {
	return l.Apply(ctx, TransitionSuspend)
}

// Resume applies TransitionResume.
func (l *Lifecycle) Resume(ctx context.Context) error {
	return l.Apply(ctx, TransitionResume)
}

// Stop applies TransitionStop.
func (l *Lifecycle) Stop(ctx context.Context) error {
	return l.Apply(ctx, TransitionStop)
}

// Destroy applies TransitionDestroy.
func (l *Lifecycle) Destroy(ctx context.Context) error {
	return l.Apply(ctx, TransitionDestroy)
}

// Apply performs transition t. It fails with *InvalidTransitionError when t is not
// defined for the current state and with the hook's error when the owner refuses it;
// in both cases the state is unchanged. On success the listeners are notified before
// Apply returns.
//
// Listeners run while the transition lock is held and must not apply transitions
// to the same Lifecycle.
func (l *Lifecycle) Apply(ctx context.Context, t Transition) error {
	l.transMu.Lock()
	defer l.transMu.Unlock()

	from := l.State()
	to, ok := t.Target()
	if !ok || !t.AllowedFrom(from) {
		return &InvalidTransitionError{Service: l.name, State: from, Transition: t}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %s canceled: %w", l.name, t, ctx.Err())
	default:
	}

	if err := l.runHook(ctx, t); err != nil {
		l.logger.Warn("transition refused", "service", l.name, "transition", t, "state", from, "error", err)
		return fmt.Errorf("%s: %s: %w", l.name, t, err)
	}

	l.state.Store(int32(to))
	if to == StateDestroyed {
		close(l.doneCh)
	}
	l.logger.Debug("transition", "service", l.name, "transition", t, "from", from, "to", to)

	l.listeners.notify(Event{Service: l.name, Transition: t, From: from, To: to})
	return nil
}

func (l *Lifecycle) runHook(ctx context.Context, t Transition) error {
	switch t {
	case TransitionInitialize:
		return l.hooks.OnInitialize(ctx)
	case TransitionStart:
		return l.hooks.OnStart(ctx)
	case TransitionSuspend:
		return l.hooks.OnSuspend(ctx)
	case TransitionResume:
		return l.hooks.OnResume(ctx)
	case TransitionStop:
		return l.hooks.OnStop(ctx)
	case TransitionDestroy:
		return l.hooks.OnDestroy(ctx)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownTransition, t)
	}
}
