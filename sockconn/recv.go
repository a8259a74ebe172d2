// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sockconn

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/firegate-io/firegate/sockbuf"
	"github.com/firegate-io/firegate/sockhook"
)

// readLoop is the delivery side of the connection: it wraps arriving
// bytes as segments, queues them and dispatches the Recv hook. It is
// the sole producer of the inbound queue.
func (c *Conn) readLoop(nc net.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		// The buffer is owned by the segment once queued; a fresh
		// one is taken per read so queued payloads are never
		// overwritten.
		buf := make([]byte, readChunk)
		n, err := nc.Read(buf)
		if n > 0 {
			h := c.cfg.Arena.Alloc(buf[:n])
			c.rq.PushTail(h)
			c.cfg.Metrics.addRecv(n)
			c.deliver()
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				// Peer finished gracefully.
				c.teardown(nil, true)
			case c.isClosed() || errors.Is(err, net.ErrClosed):
				// Our own close raced the read.
			case isPeerReset(err):
				c.logf("sockconn: %v: peer reset", nc.RemoteAddr())
				c.teardown(err, true)
			default:
				c.logf("sockconn: %v: read: %v", nc.RemoteAddr(), err)
				c.teardown(err, true)
			}
			return
		}
	}
}

// deliver dispatches the Recv hook over the inbound queue and applies
// its verdict: consumed bytes are trimmed from the queue head and
// freed, unconsumed segments stay queued for the next delivery, and a
// protocol error kills the connection through the Error hook.
func (c *Conn) deliver() {
	if c.isClosed() {
		// Teardown has started; only the end hook may still fire.
		return
	}
	total := c.queuedBytes()
	off := c.rqOff
	var (
		consumed int
		rerr     error
	)
	if !c.dispatch(func(h *sockhook.Hooks) { consumed, rerr = h.Recv(c, c.rq, off) }) {
		return
	}
	if consumed < 0 || consumed > total {
		panic(fmt.Sprintf("sockconn: Recv hook consumed %d of %d queued bytes", consumed, total))
	}
	if consumed > 0 {
		c.trimConsumed(consumed)
	}
	c.rqOff = total - consumed

	switch {
	case rerr == nil, errors.Is(rerr, sockhook.ErrWantMore):
		// Partial reads are flow control, not failure.
	default:
		c.cfg.Metrics.incHookErrors()
		c.logf("sockconn: %v: recv hook: %v", c.RemoteAddr(), rerr)
		c.teardown(rerr, true)
	}
}

// queuedBytes sums the payload sizes of the inbound queue.
func (c *Conn) queuedBytes() int {
	n := 0
	for h := c.rq.Peek(); h != sockbuf.None; h = c.rq.Next(h) {
		n += c.cfg.Arena.Size(h)
	}
	return n
}

// trimConsumed removes n bytes from the queue head: segments wholly
// consumed go back to the arena, a partially consumed head segment is
// advanced in place.
func (c *Conn) trimConsumed(n int) {
	a := c.cfg.Arena
	for n > 0 {
		h := c.rq.Peek()
		if h == sockbuf.None {
			panic("sockconn: consumed bytes exceed queued segments")
		}
		if sz := a.Size(h); sz <= n {
			c.rq.Unlink(h)
			a.Free(h)
			n -= sz
		} else {
			a.Advance(h, n)
			n = 0
		}
	}
}
