//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// socketControl is a no-op where the unix socket options are unavailable.
// Go sets SO_BROADCAST on UDP sockets by default on Windows.
func socketControl(reuse, broadcast bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
