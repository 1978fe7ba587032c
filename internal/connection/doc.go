// SPDX-License-Identifier: MPL-2.0

// Package connection models a bidirectional byte stream that is independent of its
// transport.
//
// A Connection is created when a transport endpoint becomes available (an accepted
// socket, an SSH session, a dialed address), connected, used for I/O through its input
// and output streams, and closed. Registered listeners observe four events: started,
// closing, closed and interrupted. Each event fires at most once per connection and is
// delivered synchronously to all listeners in registration order.
//
// BlockingListener turns those notifications into per-event queues that tests and
// synchronous callers can block on.
package connection
