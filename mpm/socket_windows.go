//go:build windows

package mpm

import "syscall"

// SO_REUSEPORT has no Windows equivalent; Config.resolve degrades
// ReusePortBind to DuplicateBind on this platform (spec §3).
const reusePortSupportedPlatform = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
