// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// NameEcho selects Echo.
	NameEcho = "echo"
	// NameDiscard selects Discard.
	NameDiscard = "discard"
	// NameLineEcho selects LineEcho with an empty prefix.
	NameLineEcho = "line-echo"
)

var (
	// ErrUnknownHandler is the sentinel wrapped by UnknownHandlerError.
	ErrUnknownHandler = errors.New("unknown connection handler")
	// ErrDuplicateHandler is returned when a name is registered twice.
	ErrDuplicateHandler = errors.New("connection handler already registered")
	// ErrInvalidHandlerName is returned for empty or whitespace-only names.
	ErrInvalidHandlerName = errors.New("invalid connection handler name")
)

type (
	// Factory builds a Handler instance.
	Factory func() (Handler, error)

	// Registry maps handler names to factories.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
	}

	// UnknownHandlerError is returned by Lookup for names that were never registered.
	UnknownHandlerError struct {
		Name      string
		Available []string
	}
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a Registry holding the built-in handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NameEcho, func() (Handler, error) { return Echo{}, nil })
	r.MustRegister(NameDiscard, func() (Handler, error) { return Discard{}, nil })
	r.MustRegister(NameLineEcho, func() (Handler, error) { return LineEcho{}, nil })
	return r
}

// Register adds f under name.
func (r *Registry) Register(name string, f Factory) error {
	key := normalize(name)
	if key == "" {
		return fmt.Errorf("%w: %q", ErrInvalidHandlerName, name)
	}
	if f == nil {
		return fmt.Errorf("register %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, key)
	}
	r.factories[key] = f
	return nil
}

// MustRegister is Register that panics on error. Use it for static registrations.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup builds the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	key := normalize(name)

	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownHandlerError{Name: name, Available: r.Names()}
	}

	h, err := f()
	if err != nil {
		return nil, fmt.Errorf("construct handler %q: %w", key, err)
	}
	if h == nil {
		return nil, fmt.Errorf("construct handler %q: factory returned nil", key)
	}
	return h, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Error implements the error interface for UnknownHandlerError.
func (e *UnknownHandlerError) Error() string {
	return fmt.Sprintf("unknown connection handler %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// Unwrap returns ErrUnknownHandler for errors.Is() compatibility.
func (e *UnknownHandlerError) Unwrap() error { return ErrUnknownHandler }

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
