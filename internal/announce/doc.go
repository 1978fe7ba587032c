// SPDX-License-Identifier: MPL-2.0

// Package announce advertises a running socket server on the local network
// with mDNS/DNS-SD and browses for other servers.
//
// An Announcer follows a service's lifecycle: it registers the advertisement
// when the service enters running and withdraws it when the service is
// suspended, stopped or destroyed.
package announce
