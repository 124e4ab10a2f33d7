//go:build linux

package main

import (
	"net"
	"syscall"
)

// configureUDPSocket makes the session's UDP socket resilient to transient
// network hiccups. On Linux this disables IP_RECVERR so an ICMP
// destination-unreachable message can't turn into a read error mid-session,
// which matters here since the whole point of the SSP layer above is to
// ride out exactly that kind of loss.
func configureUDPSocket(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var setsockoptErr error
	err = rawConn.Control(func(fd uintptr) {
		setsockoptErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_RECVERR, 0)
		if setsockoptErr != nil {
			return
		}
		_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_RECVERR, 0)
	})
	if err != nil {
		return err
	}
	return setsockoptErr
}
