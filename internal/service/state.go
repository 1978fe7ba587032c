// SPDX-License-Identifier: MPL-2.0

package service

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// StateUninitialized is the state of a freshly created service.
	StateUninitialized State = iota
	// StateInitialized indicates resources were prepared but nothing is running.
	StateInitialized
	// StateRunning indicates the service is doing its work.
	StateRunning
	// StateSuspended indicates the service is paused and can be resumed.
	StateSuspended
	// StateStopped indicates the service stopped; it can be started again or destroyed.
	StateStopped
	// StateDestroyed is terminal: all resources were released.
	StateDestroyed
)

const (
	// TransitionInitialize moves uninitialized -> initialized.
	TransitionInitialize Transition = iota
	// TransitionStart moves initialized|stopped -> running.
	TransitionStart
	// TransitionSuspend moves running -> suspended.
	TransitionSuspend
	// TransitionResume moves suspended -> running.
	TransitionResume
	// TransitionStop moves running -> stopped.
	TransitionStop
	// TransitionDestroy moves uninitialized|initialized|stopped -> destroyed.
	TransitionDestroy
)

var (
	// ErrInvalidState is returned when a State value is not one of the defined lifecycle states.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition is the sentinel wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUnknownTransition is returned when a transition name cannot be parsed.
	ErrUnknownTransition = errors.New("unknown transition")

	transitionTable = map[Transition]edge{
		TransitionInitialize: {from: []State{StateUninitialized}, to: StateInitialized},
		TransitionStart:      {from: []State{StateInitialized, StateStopped}, to: StateRunning},
		TransitionSuspend:    {from: []State{StateRunning}, to: StateSuspended},
		TransitionResume:     {from: []State{StateSuspended}, to: StateRunning},
		TransitionStop:       {from: []State{StateRunning}, to: StateStopped},
		TransitionDestroy:    {from: []State{StateUninitialized, StateInitialized, StateStopped}, to: StateDestroyed},
	}
)

type (
	// State represents the lifecycle state of a service.
	State int32

	// Transition names a lifecycle operation.
	Transition int

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}

	// InvalidTransitionError is returned when a transition is attempted from a
	// state it is not defined for. It wraps ErrInvalidTransition.
	InvalidTransitionError struct {
		Service    string
		State      State
		Transition Transition
	}

	edge struct {
		from []State
		to   State
	}
)

// String returns a human-readable representation of the service state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Validate returns nil if the State is one of the defined lifecycle states,
// or an error wrapping ErrInvalidState if it is not.
func (s State) Validate() error {
	switch s {
	case StateUninitialized, StateInitialized, StateRunning, StateSuspended, StateStopped, StateDestroyed:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateDestroyed
}

// Error implements the error interface for InvalidStateError.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %d (valid: 0=uninitialized, 1=initialized, 2=running, 3=suspended, 4=stopped, 5=destroyed)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// String returns the lower-case transition name.
func (t Transition) String() string {
	switch t {
	case TransitionInitialize:
		return "initialize"
	case TransitionStart:
		return "start"
	case TransitionSuspend:
		return "suspend"
	case TransitionResume:
		return "resume"
	case TransitionStop:
		return "stop"
	case TransitionDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// Target returns the state the transition leads to.
func (t Transition) Target() (State, bool) {
	e, ok := transitionTable[t]
	return e.to, ok
}

// AllowedFrom reports whether the transition is defined for state s.
func (t Transition) AllowedFrom(s State) bool {
	e, ok := transitionTable[t]
	if !ok {
		return false
	}
	for _, from := range e.from {
		if from == s {
			return true
		}
	}
	return false
}

// Transitions returns every transition in declaration order.
func Transitions() []Transition {
	return []Transition{
		TransitionInitialize,
		TransitionStart,
		TransitionSuspend,
		TransitionResume,
		TransitionStop,
		TransitionDestroy,
	}
}

// ParseTransition resolves a transition by name. "pause" is accepted as an
// alias for suspend.
func ParseTransition(name string) (Transition, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "pause" {
		return TransitionSuspend, nil
	}
	for _, t := range Transitions() {
		if t.String() == n {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTransition, name)
}

// Error implements the error interface for InvalidTransitionError.
func (e *InvalidTransitionError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: cannot %s in state %s", e.Service, e.Transition, e.State)
	}
	return fmt.Sprintf("cannot %s in state %s", e.Transition, e.State)
}

// Unwrap returns ErrInvalidTransition for errors.Is() compatibility.
func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
