// SPDX-License-Identifier: MPL-2.0

//go:build linux

package socketserver

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

var errBacklogUnsupported = errors.New("listen backlog not supported")

// listenBacklog creates the listening socket by hand so that the backlog
// passed to listen(2) is the configured one rather than somaxconn.
func listenBacklog(address string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}

	fd, err := bindSocket(tcpAddr, backlog)
	if err != nil {
		return nil, &net.OpError{Op: "listen", Net: "tcp", Addr: tcpAddr, Err: err}
	}

	f := os.NewFile(uintptr(fd), "sockserve-listener")
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrap listener fd: %w", err)
	}
	return ln, nil
}

func bindSocket(addr *net.TCPAddr, backlog int) (int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return bindFamily(unix.AF_INET, sa, backlog, false)
	}

	if addr.IP == nil || addr.IP.IsUnspecified() {
		// Dual-stack wildcard, falling back to IPv4 on hosts without IPv6.
		fd, err := bindFamily(unix.AF_INET6, &unix.SockaddrInet6{Port: addr.Port}, backlog, true)
		if errors.Is(err, unix.EAFNOSUPPORT) {
			return bindFamily(unix.AF_INET, &unix.SockaddrInet4{Port: addr.Port}, backlog, false)
		}
		return fd, err
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if iface, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(iface.Index) //nolint:gosec // interface indexes are small
		}
	}
	return bindFamily(unix.AF_INET6, sa, backlog, false)
}

func bindFamily(family int, sa unix.Sockaddr, backlog int, dualStack bool) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if dualStack {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
