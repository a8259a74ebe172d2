// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package sockconn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isPeerReset reports whether err is the peer abandoning the
// connection rather than a local fault, so the teardown can be logged
// at reset verbosity instead of as an unexpected read failure.
func isPeerReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ETIMEDOUT)
}
