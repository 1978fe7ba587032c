// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	names := r.Names()
	want := []string{NameDiscard, NameEcho, NameLineEcho}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() = %v, want %v", names, want)
	}

	for _, name := range want {
		h, err := r.Lookup(name)
		if err != nil || h == nil {
			t.Errorf("Lookup(%q) = %v, %v", name, h, err)
		}
	}

	if _, err := r.Lookup(" ECHO "); err != nil {
		t.Errorf("lookup should normalize names: %v", err)
	}
}

func TestRegistryUnknownHandler(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	h, err := r.Lookup("org.example.MissingHandler")
	if h != nil {
		t.Error("unknown handler must not yield a handler")
	}
	if !errors.Is(err, ErrUnknownHandler) {
		t.Fatalf("expected ErrUnknownHandler, got %v", err)
	}
	var uhe *UnknownHandlerError
	if !errors.As(err, &uhe) || len(uhe.Available) != 3 {
		t.Errorf("expected available handlers in error, got %v", err)
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register("", func() (Handler, error) { return Echo{}, nil }); !errors.Is(err, ErrInvalidHandlerName) {
		t.Errorf("expected ErrInvalidHandlerName, got %v", err)
	}
	if err := r.Register("nil", nil); err == nil {
		t.Error("expected error for nil factory")
	}
	if err := r.Register("custom", func() (Handler, error) { return Echo{}, nil }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("Custom", func() (Handler, error) { return Echo{}, nil }); !errors.Is(err, ErrDuplicateHandler) {
		t.Errorf("expected ErrDuplicateHandler, got %v", err)
	}

	boom := errors.New("boom")
	r.MustRegister("broken", func() (Handler, error) { return nil, boom })
	if _, err := r.Lookup("broken"); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}

	r.MustRegister("nil-handler", func() (Handler, error) { return nil, nil })
	if _, err := r.Lookup("nil-handler"); err == nil {
		t.Error("expected error for factory returning nil")
	}
}

func TestRegistryMustRegisterPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("MustRegister should panic on duplicate")
		}
	}()
	r := DefaultRegistry()
	r.MustRegister(NameEcho, func() (Handler, error) { return Echo{}, nil })
}
