//go:build !linux

package transport

import "net"

func setQuickAck(conn *net.TCPConn) {}
