// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"testing"
	"time"
)

func TestClosedChan(t *testing.T) {
	ch := ClosedChan()
	select {
	case <-ch:
	default:
		t.Fatal("not closed")
	}
}

func TestWaitGroupChan(t *testing.T) {
	wg := NewWaitGroupChan()
	wg.Add(2)
	select {
	case <-wg.DoneChan():
		t.Fatal("done too early")
	default:
	}
	wg.Decr()
	wg.Decr()
	select {
	case <-wg.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for done")
	}
	wg.Wait() // must not block
}
