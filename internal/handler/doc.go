// SPDX-License-Identifier: MPL-2.0

// Package handler defines the connection handler strategy and its decorators.
//
// A Handler performs application-level processing of one connection. Closing wraps
// a handler so that the connection is connected before and closed after it runs, and
// Async wraps a handler so that Handle only submits the work to a dispatch.Dispatcher
// and returns immediately. Handlers are selected by name through a Registry.
package handler
