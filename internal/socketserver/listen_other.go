// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package socketserver

import (
	"errors"
	"net"
)

var errBacklogUnsupported = errors.New("listen backlog not supported")

func listenBacklog(string, int) (net.Listener, error) {
	return nil, errBacklogUnsupported
}
