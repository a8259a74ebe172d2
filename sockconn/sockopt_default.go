// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package sockconn

import "syscall"

func sockoptControl(network, address string, c syscall.RawConn) error {
	return nil
}
