//go:build !unix

package discovery

import "syscall"

// The Go runtime already enables SO_BROADCAST on datagram sockets here.
func setBroadcast(_, _ string, _ syscall.RawConn) error { return nil }
