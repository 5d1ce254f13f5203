// Package netutil creates the passive listening sockets the reactor
// registers fds for: non-blocking, SO_REUSEADDR, SO_LINGER(1,0), bound to
// either an IPv4 or IPv6 wildcard address depending on the address family
// requested.
package netutil

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Family identifies the address family of a passive socket.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// ListenTCP creates a non-blocking passive TCP socket bound to port on the
// wildcard address of the given family, with SO_REUSEADDR and
// SO_LINGER(onoff=1, linger=0) set before bind, matching spec.md §2's
// socket-setup responsibilities.
func ListenTCP(family Family, port int) (fd int, err error) {
	domain := unix.AF_INET
	if family == FamilyV6 {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	cleanup := func() { unix.Close(fd) }

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		cleanup()
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	linger := unix.Linger{Onoff: 1, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
		cleanup()
		return -1, fmt.Errorf("setsockopt SO_LINGER: %w", err)
	}

	if family == FamilyV6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			cleanup()
			return -1, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		cleanup()
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}

	if err := bindWildcard(fd, family, port); err != nil {
		cleanup()
		return -1, err
	}

	// Backlog is not spec-critical; use a generous constant matching the
	// reactor's expectation of bursty accepts.
	if err := unix.Listen(fd, 256); err != nil {
		cleanup()
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

func bindWildcard(fd int, family Family, port int) error {
	if family == FamilyV6 {
		sa := &unix.SockaddrInet6{Port: port}
		return unix.Bind(fd, sa)
	}
	sa := &unix.SockaddrInet4{Port: port}
	return unix.Bind(fd, sa)
}

// ListenUDP creates a non-blocking UDP socket bound to port on the IPv4
// wildcard address, used for the control-plane.
func ListenUDP(port int) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	cleanup := func() { unix.Close(fd) }

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		cleanup()
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		cleanup()
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		cleanup()
		return -1, fmt.Errorf("bind: %w", err)
	}

	return fd, nil
}

// AcceptNonblocking accepts one pending connection on the passive socket fd,
// setting the new socket non-blocking before returning it. Returns
// unix.EAGAIN itself (not wrapped) when there is nothing pending.
func AcceptNonblocking(fd int) (connFD int, peer netip.AddrPort, err error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	peer = sockaddrToAddrPort(sa)
	return nfd, peer, nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port))
	default:
		return netip.AddrPort{}
	}
}

// RecvFromUDP reads one datagram along with the sender's address, for the
// control-plane's reply-to-sender semantics.
func RecvFromUDP(fd int, buf []byte) (n int, from unix.Sockaddr, err error) {
	n, _, _, from, err = unix.Recvmsg(fd, buf, nil, 0)
	return n, from, err
}

// SendToUDP writes one datagram to the given peer address.
func SendToUDP(fd int, buf []byte, to unix.Sockaddr) error {
	return unix.Sendto(fd, buf, 0, to)
}

// Addr formats a net.Addr-compatible string from an AddrPort for logging.
func Addr(ap netip.AddrPort) string {
	return net.JoinHostPort(ap.Addr().String(), fmt.Sprint(ap.Port()))
}
