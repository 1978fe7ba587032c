// SPDX-License-Identifier: MPL-2.0

// Package service provides the lifecycle state machine shared by every long-running
// component of sockserve.
//
// A Lifecycle moves through six states (uninitialized, initialized, running,
// suspended, stopped, destroyed) using six transitions. Attempted transitions that
// are not defined for the current state fail with an InvalidTransitionError and
// leave the state untouched. Owners plug their behaviour in through Hooks, and
// observers subscribe through listeners that are notified synchronously in
// registration order.
package service
