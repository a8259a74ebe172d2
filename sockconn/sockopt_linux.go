// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sockconn

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// sockoptControl applies the layer's socket options before bind or
// connect: address reuse for fast listener restarts and, on TCP,
// Nagle off (segments are already sized by the engines) plus
// keepalive.
func sockoptControl(network, address string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if ctlErr != nil {
			return
		}
		if strings.HasPrefix(network, "tcp") {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
				ctlErr = err
				return
			}
			ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		}
	})
	if err != nil {
		return err
	}
	return ctlErr
}
