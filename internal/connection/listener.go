// SPDX-License-Identifier: MPL-2.0

package connection

import (
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

type (
	// Listener observes connection lifecycle events.
	Listener interface {
		ConnectionStarted(c Connection)
		ConnectionClosing(c Connection)
		ConnectionClosed(c Connection)
		ConnectionInterrupted(c Connection, err error)
	}

	// ListenerFuncs adapts optional callbacks to Listener. Register it by pointer
	// so it can later be removed by identity.
	ListenerFuncs struct {
		OnStarted     func(c Connection)
		OnClosing     func(c Connection)
		OnClosed      func(c Connection)
		OnInterrupted func(c Connection, err error)
	}

	// ListenerSet is an ordered, mutex-guarded observer collection. Listeners are
	// compared by identity; adding one twice is a no-op. A listener whose dynamic
	// type is not comparable never matches another, so it cannot be removed.
	ListenerSet struct {
		mu        sync.Mutex
		listeners []Listener
	}
)

// ConnectionStarted implements Listener.
func (f *ListenerFuncs) ConnectionStarted(c Connection) {
	if f.OnStarted != nil {
		f.OnStarted(c)
	}
}

// ConnectionClosing implements Listener.
func (f *ListenerFuncs) ConnectionClosing(c Connection) {
	if f.OnClosing != nil {
		f.OnClosing(c)
	}
}

// ConnectionClosed implements Listener.
func (f *ListenerFuncs) ConnectionClosed(c Connection) {
	if f.OnClosed != nil {
		f.OnClosed(c)
	}
}

// ConnectionInterrupted implements Listener.
func (f *ListenerFuncs) ConnectionInterrupted(c Connection, err error) {
	if f.OnInterrupted != nil {
		f.OnInterrupted(c, err)
	}
}

// Add registers l at the end of the notification order.
func (s *ListenerSet) Add(l Listener) {
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

// Remove unregisters l.
func (s *ListenerSet) Remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(x Listener) bool { return sameListener(x, l) })
}

// sameListener reports identity without panicking on non-comparable values.
func sameListener(a, b Listener) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Len returns the number of registered listeners.
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Snapshot returns the registered listeners in notification order.
func (s *ListenerSet) Snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners)
}

// Notify delivers ev to every listener registered at the time of the call.
func (s *ListenerSet) Notify(ev Event) {
	for _, l := range s.Snapshot() {
		switch ev.Kind {
		case EventStarted:
			l.ConnectionStarted(ev.Conn)
		case EventClosing:
			l.ConnectionClosing(ev.Conn)
		case EventClosed:
			l.ConnectionClosed(ev.Conn)
		case EventInterrupted:
			l.ConnectionInterrupted(ev.Conn, ev.Err)
		}
	}
}
