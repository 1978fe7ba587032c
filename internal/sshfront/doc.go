// SPDX-License-Identifier: MPL-2.0

// Package sshfront exposes the connection handler over SSH using the Wish
// library. Each SSH session becomes a connection.Connection served by the same
// handler and worker pool as the socket server.
package sshfront
