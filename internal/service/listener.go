// SPDX-License-Identifier: MPL-2.0

package service

import (
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

type (
	// Event describes a completed transition.
	Event struct {
		Service    string
		Transition Transition
		From       State
		To         State
	}

	// Listener observes completed transitions.
	Listener interface {
		StateChanged(ev Event)
	}

	// ListenerFunc adapts a function to Listener. Listeners whose dynamic type
	// is not comparable, ListenerFunc included, never match on removal; register
	// them through a pointer if they are ever going to be removed.
	ListenerFunc func(ev Event)

	listenerSet struct {
		mu        sync.Mutex
		listeners []Listener
	}
)

// StateChanged implements Listener.
func (f ListenerFunc) StateChanged(ev Event) { f(ev) }

func (s *listenerSet) add(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.IndexFunc(s.listeners, func(x Listener) bool { return sameListener(x, l) }) >= 0 {
		return
	}
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(x Listener) bool { return sameListener(x, l) })
}

// notify calls every listener registered at the time of the call, in order.
func (s *listenerSet) notify(ev Event) {
	s.mu.Lock()
	snapshot := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.StateChanged(ev)
	}
}

// sameListener compares listeners by identity without panicking on
// non-comparable dynamic types such as a bare ListenerFunc or a struct value
// holding a slice.
func sameListener(a, b Listener) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
