//go:build darwin

package main

import "net"

// configureUDPSocket is a no-op on Darwin: ICMP errors are not delivered to
// UDP sockets by default, so there is nothing to disable.
func configureUDPSocket(conn *net.UDPConn) error {
	return nil
}
