//go:build !windows

package mpm

import "syscall"

const reusePortSupportedPlatform = true

// reusePortControl sets SO_REUSEPORT on the raw socket before bind, so
// multiple worker processes/goroutines can each bind the same address
// (spec §4, ReusePort bind model). No corpus dependency wraps this more
// idiomatically than the standard library's own syscall.SetsockoptInt —
// see DESIGN.md's C4 entry.
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
