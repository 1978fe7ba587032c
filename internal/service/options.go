// SPDX-License-Identifier: MPL-2.0

package service

import "github.com/charmbracelet/log"

// Option configures a Lifecycle instance.
type Option func(*Lifecycle)

// WithLogger sets the logger used for transition diagnostics.
// By default transitions are not logged.
func WithLogger(logger *log.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithListener registers listener before the Lifecycle is returned.
func WithListener(listener Listener) Option {
	return func(l *Lifecycle) {
		l.listeners.add(listener)
	}
}
