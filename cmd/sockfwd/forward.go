// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"sync"
	"sync/atomic"

	"github.com/firegate-io/firegate/sockbuf"
	"github.com/firegate-io/firegate/sockconn"
	"github.com/firegate-io/firegate/sockhook"
	"github.com/firegate-io/firegate/types/logger"
)

// typeDownstream tags connections accepted from clients; each gets a
// paired upstream connection to the forward destination.
const typeDownstream sockhook.Type = 1

// forwarder is the protocol engine of sockfwd: a transparent TCP
// splice built on the socket layer's hook interface. Downstream bytes
// are staged until the upstream connect completes, then both
// directions move segment queues without copying payloads.
type forwarder struct {
	cfg  sockconn.Config
	dst  string
	logf logger.Logf

	mu    sync.Mutex
	pairs map[sockhook.Conn]*pair
}

type pair struct {
	f    *forwarder
	down sockhook.Conn
	up   *sockconn.Conn

	mu      sync.Mutex
	upReady bool
	pending *sockbuf.Queue // downstream bytes staged before upstream is up

	closed atomic.Bool
}

func newForwarder(cfg sockconn.Config, dst string, logf logger.Logf) *forwarder {
	return &forwarder{
		cfg:   cfg,
		dst:   dst,
		logf:  logf,
		pairs: make(map[sockhook.Conn]*pair),
	}
}

// register installs the downstream hook table. Upstream connections
// get per-pair closure tables and bypass the registry.
func (f *forwarder) register(reg *sockhook.Registry) error {
	return reg.Register(typeDownstream, &sockhook.Hooks{
		New:   f.downNew,
		Drop:  func(c sockhook.Conn) { f.teardown(c) },
		Error: func(c sockhook.Conn) { f.teardown(c) },
		Recv:  f.downRecv,
	})
}

func (f *forwarder) downNew(down sockhook.Conn) error {
	p := &pair{
		f:       f,
		down:    down,
		pending: sockbuf.NewQueue(down.Arena()),
	}
	p.up = sockconn.New(f.cfg)

	proto := new(sockhook.Proto)
	proto.Init(&sockhook.Hooks{
		New:   p.upNew,
		Drop:  func(sockhook.Conn) { p.close() },
		Error: func(sockhook.Conn) { p.close() },
		Recv:  p.upRecv,
	}, typeDownstream)
	p.up.SetCallbacks(proto)

	f.mu.Lock()
	f.pairs[down] = p
	f.mu.Unlock()

	if err := p.up.Connect(f.dst); err != nil {
		f.mu.Lock()
		delete(f.pairs, down)
		f.mu.Unlock()
		return err
	}
	f.logf("sockfwd: %v: forwarding to %v", down.RemoteAddr(), f.dst)
	return nil
}

func (f *forwarder) pair(down sockhook.Conn) *pair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairs[down]
}

// downRecv consumes everything queued and ships it upstream. New
// segment records share the queued payload spans, so nothing is
// copied; the originals are returned to the arena by the controller
// once we report them consumed.
func (f *forwarder) downRecv(down sockhook.Conn, q *sockbuf.Queue, off int) (int, error) {
	p := f.pair(down)
	if p == nil {
		return 0, sockhook.ErrWantMore
	}
	out, total := requeue(down.Arena(), q)
	p.mu.Lock()
	if p.upReady {
		p.mu.Unlock()
		err := p.up.Send(out)
		out.Destroy(down.Arena().Free)
		return total, err
	}
	if p.pending == nil { // pair already torn down
		p.mu.Unlock()
		out.Destroy(down.Arena().Free)
		return total, nil
	}
	p.pending.TakeFrom(out)
	p.mu.Unlock()
	out.Destroy(nil)
	return total, nil
}

func (p *pair) upNew(up sockhook.Conn) error {
	p.mu.Lock()
	if p.pending == nil { // pair already torn down
		p.mu.Unlock()
		return nil
	}
	p.upReady = true
	staged := p.pending
	p.pending = sockbuf.NewQueue(up.Arena())
	p.mu.Unlock()
	var err error
	if !staged.Empty() {
		err = p.up.Send(staged)
	}
	staged.Destroy(up.Arena().Free)
	return err
}

func (p *pair) upRecv(up sockhook.Conn, q *sockbuf.Queue, off int) (int, error) {
	out, total := requeue(up.Arena(), q)
	err := p.down.Send(out)
	out.Destroy(up.Arena().Free)
	return total, err
}

func (f *forwarder) teardown(down sockhook.Conn) {
	f.mu.Lock()
	p := f.pairs[down]
	delete(f.pairs, down)
	f.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// close tears both legs down. The guard is a CAS, not a sync.Once:
// closing one leg dispatches the other leg's Drop hook on this same
// goroutine, which re-enters close. Release must not run from hook
// context (it waits for the running dispatch), so it is deferred to
// its own goroutine.
func (p *pair) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.down.Close()
	p.up.Close()
	p.mu.Lock()
	staged := p.pending
	p.pending = nil
	p.mu.Unlock()
	if staged != nil {
		staged.Destroy(p.down.Arena().Free)
	}
	go func() {
		if dc, ok := p.down.(*sockconn.Conn); ok {
			dc.Release()
		}
		p.up.Release()
	}()
}

// requeue builds a fresh queue whose segments alias the payloads of
// q, reporting the total byte count moved.
func requeue(a *sockbuf.Arena, q *sockbuf.Queue) (*sockbuf.Queue, int) {
	out := sockbuf.NewQueue(a)
	total := 0
	for h := q.Peek(); h != sockbuf.None; h = q.Next(h) {
		b := a.Bytes(h)
		out.PushTail(a.Alloc(b))
		total += len(b)
	}
	return out, total
}
