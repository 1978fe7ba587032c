// SPDX-License-Identifier: MPL-2.0

// Package control provides a token-protected HTTP control plane for the
// running services. It reports service states, applies lifecycle transitions
// on request and exposes Prometheus metrics. Client is the matching client
// used by the ctl command.
package control
