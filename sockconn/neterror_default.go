// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !unix

package sockconn

func isPeerReset(err error) bool { return false }
