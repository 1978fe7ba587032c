// SPDX-License-Identifier: MPL-2.0

// Package socketserver implements a TCP server whose lifecycle is a
// service.Lifecycle. A dedicated goroutine runs the accept loop and hands each
// connection to the configured handler, dispatched onto a bounded worker pool.
package socketserver
