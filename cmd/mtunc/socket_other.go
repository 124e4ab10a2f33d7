//go:build !linux && !darwin

package main

import "net"

// configureUDPSocket is a stub for platforms with no specific tuning.
func configureUDPSocket(conn *net.UDPConn) error {
	return nil
}
