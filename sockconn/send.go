// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sockconn

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/firegate-io/firegate/sockbuf"
)

// Send hands a caller-built segment queue to the transmit path. The
// segments move onto the connection's transmit queue by link surgery;
// payloads are never copied. Send never blocks on the network and
// never drops data: segments the transport cannot take immediately
// stay queued and the writer retries as capacity appears.
func (c *Conn) Send(q *sockbuf.Queue) error {
	if s := c.State(); s != StateEstablished {
		return fmt.Errorf("%w: send in %v", ErrBadState, s)
	}
	c.sendMu.Lock()
	if c.txq == nil {
		c.sendMu.Unlock()
		return fmt.Errorf("%w: send in %v", ErrBadState, c.State())
	}
	c.txq.TakeFrom(q)
	c.sendMu.Unlock()

	select {
	case c.sendKick <- struct{}{}:
	default: // writer already signaled
	}
	return nil
}

// writeLoop drains the transmit queue in FIFO order. It is the sole
// consumer of the queue. A segment is unlinked and freed only after
// every one of its bytes reached the transport, so a connection that
// dies mid-segment leaves the remainder queued for Release to return,
// never half-freed.
func (c *Conn) writeLoop(nc net.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		c.sendMu.Lock()
		var h sockbuf.Handle = sockbuf.None
		if c.txq != nil {
			h = c.txq.Peek()
		}
		c.sendMu.Unlock()

		if h == sockbuf.None {
			select {
			case <-c.sendKick:
				continue
			case <-c.closed:
				return
			}
		}

		if err := writeFull(nc, c.cfg.Arena.Bytes(h)); err != nil {
			if !c.isClosed() && !errors.Is(err, net.ErrClosed) {
				c.logf("sockconn: %v: write: %v", nc.RemoteAddr(), err)
				c.teardown(err, true)
			}
			return
		}
		c.cfg.Metrics.addSent(c.cfg.Arena.Size(h))

		c.sendMu.Lock()
		c.txq.Unlink(h)
		c.sendMu.Unlock()
		c.cfg.Arena.Free(h)
	}
}

// writeFull pushes the whole span to the transport, retrying short
// writes. Blocking inside Write is the transport signaling
// backpressure; the runtime wakes the writer when the socket is
// writable again.
func writeFull(nc net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := nc.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrNoProgress
		}
		p = p[n:]
	}
	return nil
}
