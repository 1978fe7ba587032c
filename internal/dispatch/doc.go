// SPDX-License-Identifier: MPL-2.0

// Package dispatch provides the bounded worker pool that executes connection
// handlers.
//
// A Pool runs a fixed number of workers that pull tasks from a bounded FIFO queue.
// When the queue is full, Dispatch either blocks until space frees up or fails
// immediately with ErrQueueFull, depending on the configured Policy.
package dispatch
