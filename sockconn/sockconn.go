// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockconn manages the lifecycle of one transport socket:
// creation, bind/listen/connect, hook installation, delivery of
// inbound segments, transmission of outbound segment queues and
// close/release.
//
// The layer is event driven: nothing here blocks a caller on network
// I/O. Inbound data is produced by a per-connection reader goroutine
// that queues segments and dispatches the bound Recv hook; outbound
// data is drained by a per-connection writer goroutine, so Send and
// Connect are fire-and-continue. Release is gated on callback
// quiescence: it returns only when no hook invocation for the
// connection is still running.
package sockconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firegate-io/firegate/sockbuf"
	"github.com/firegate-io/firegate/sockhook"
	"github.com/firegate-io/firegate/syncs"
	"github.com/firegate-io/firegate/types/logger"
)

// State is a connection lifecycle state. Transitions only move
// forward; a Released connection is dead.
type State int32

const (
	StateCreated State = iota
	StateBound
	StateListening
	StateConnecting
	StateEstablished
	StateClosing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateBound:
		return "Bound"
	case StateListening:
		return "Listening"
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	case StateClosing:
		return "Closing"
	case StateReleased:
		return "Released"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	// ErrBadState is returned by lifecycle calls made in a state
	// that does not permit them.
	ErrBadState = errors.New("sockconn: operation invalid in current state")

	// ErrNoCallbacks is returned by Listen and Connect when no hook
	// table has been installed on the connection.
	ErrNoCallbacks = errors.New("sockconn: no hook table installed")
)

const (
	defaultBacklog     = 128
	defaultDialTimeout = 30 * time.Second
	readChunk          = 32 << 10
)

// Config carries the collaborators a connection needs. The same
// Config is shared by a listener and every connection it accepts.
type Config struct {
	// Logf is the place to write log lines. Nil means discard.
	Logf logger.Logf

	// Registry resolves protocol types to hook tables for
	// InstallType. May be nil if descriptors are built by hand.
	Registry *sockhook.Registry

	// Arena is the segment slab all queues of this connection (and
	// accepted children) allocate from. Required.
	Arena *sockbuf.Arena

	// Metrics, if non-nil, receives connection counters.
	Metrics *Metrics

	// DialTimeout bounds Connect's handshake. Zero means a default.
	DialTimeout time.Duration
}

// Conn is one socket under this layer's control: the transport handle
// plus its protocol descriptor, inbound segment queue and transmit
// segment queue.
type Conn struct {
	cfg  Config
	logf logger.Logf

	state atomic.Int32

	// cbMu serializes hook-table install and teardown against
	// dispatch admission. It is held only to install/uninstall the
	// descriptor or to pin it for one dispatch, never across a
	// hook's own execution.
	cbMu   sync.RWMutex
	proto  *sockhook.Proto
	fenced bool // set by teardown before the end hook; blocks new dispatches

	// inflight counts dispatched hook invocations plus one
	// liveness reference dropped by Release.
	inflight *syncs.WaitGroupChan

	mu          sync.Mutex // guards nc, ln, laddr, done channels
	nc          net.Conn
	ln          net.Listener
	laddr       *net.TCPAddr
	readerDone  <-chan struct{}
	writerDone  <-chan struct{}
	acceptDone  <-chan struct{}
	established bool

	closed chan struct{} // closed once teardown starts

	// Inbound queue. The reader goroutine is the sole producer and
	// the Recv hook, which only ever runs from the reader's
	// dispatch, the sole consumer, so the queue needs no lock.
	rq    *sockbuf.Queue
	rqOff int // leading queue bytes already examined by Recv

	// Outbound queue. Multiple workers may call Send, so the
	// producer side is serialized by sendMu; the writer goroutine
	// is the sole consumer.
	sendMu   sync.Mutex
	txq      *sockbuf.Queue
	sendKick chan struct{}
}

// New allocates a connection in StateCreated. The OS socket itself is
// created by Bind, Listen or Connect; stack refusal surfaces there.
func New(cfg Config) *Conn {
	if cfg.Arena == nil {
		panic("sockconn: Config.Arena is required")
	}
	logf := cfg.Logf
	if logf == nil {
		logf = logger.Discard
	}
	c := &Conn{
		cfg:      cfg,
		logf:     logf,
		inflight: syncs.NewWaitGroupChan(),
		closed:   make(chan struct{}),
		sendKick: make(chan struct{}, 1),
	}
	c.inflight.Add(1) // dropped by Release
	done := syncs.ClosedChan()
	c.readerDone, c.writerDone, c.acceptDone = done, done, done
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) cas(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// casToClosing moves any pre-Closing state to StateClosing and
// reports whether this caller won the transition.
func (c *Conn) casToClosing() bool {
	for {
		s := c.State()
		if s == StateClosing || s == StateReleased {
			return false
		}
		if c.cas(s, StateClosing) {
			return true
		}
	}
}

// SetCallbacks installs the protocol descriptor. Installation is
// atomic with respect to concurrently arriving network events: it
// takes the callback write lock, so no dispatch can observe a
// half-installed table.
func (c *Conn) SetCallbacks(p *sockhook.Proto) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.proto = p
}

// InstallType looks the protocol type up in the registry and installs
// its hook table. This is the normal wiring for listeners.
func (c *Conn) InstallType(typ sockhook.Type) error {
	if c.cfg.Registry == nil {
		return errors.New("sockconn: no registry configured")
	}
	h, ok := c.cfg.Registry.Lookup(typ)
	if !ok {
		return fmt.Errorf("sockconn: no hooks registered for protocol type %d", typ)
	}
	p := new(sockhook.Proto)
	p.Init(h, typ)
	c.SetCallbacks(p)
	return nil
}

func (c *Conn) protoSnapshot() *sockhook.Proto {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.proto
}

// dispatch pins the hook table and runs f against it, counting the
// invocation for Release quiescence. It reports false when dispatch
// is already fenced off: the descriptor was uninstalled or never
// installed, or teardown has fired the end hook and no further
// callbacks may reach the engine.
func (c *Conn) dispatch(f func(*sockhook.Hooks)) bool {
	c.cbMu.RLock()
	p := c.proto
	if p == nil || c.fenced {
		c.cbMu.RUnlock()
		return false
	}
	h := p.Hooks()
	c.inflight.Add(1)
	c.cbMu.RUnlock()
	defer c.inflight.Decr()
	f(h)
	return true
}

// Arena returns the segment arena this connection allocates from.
func (c *Conn) Arena() *sockbuf.Arena { return c.cfg.Arena }

// ProtoType returns the protocol tag of the installed descriptor.
func (c *Conn) ProtoType() sockhook.Type {
	if p := c.protoSnapshot(); p != nil {
		return p.Type()
	}
	return 0
}

// RemoteAddr reports the peer address. It is meaningful only once the
// connection is established; earlier it is nil.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// LocalAddr reports the local address of the socket (the listener
// address for listening connections), or nil before bind/establish.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		return c.ln.Addr()
	}
	if c.nc != nil {
		return c.nc.LocalAddr()
	}
	if c.laddr != nil {
		return c.laddr
	}
	return nil
}

// Bind records the local address for a later Listen or Connect.
// Valid only in StateCreated.
func (c *Conn) Bind(addr string) error {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("sockconn: bind %q: %w", addr, err)
	}
	if !c.cas(StateCreated, StateBound) {
		return fmt.Errorf("%w: bind in %v", ErrBadState, c.State())
	}
	c.mu.Lock()
	c.laddr = ta
	c.mu.Unlock()
	return nil
}

// Listen opens the bound address for accepting. Each accepted peer
// becomes a new Conn whose descriptor is inherited from this
// listener's, and the New hook decides whether it lives: a New error
// tears the child down before any queue traffic.
//
// backlog caps how many accepted connections may sit between Accept
// and the completion of their New dispatch; zero means a default.
// The kernel's own SYN backlog is not affected.
func (c *Conn) Listen(backlog int) error {
	lp := c.protoSnapshot()
	if lp == nil {
		return ErrNoCallbacks
	}
	c.mu.Lock()
	laddr := c.laddr
	c.mu.Unlock()
	if laddr == nil {
		return fmt.Errorf("%w: listen without bind", ErrBadState)
	}
	if !c.cas(StateBound, StateListening) {
		return fmt.Errorf("%w: listen in %v", ErrBadState, c.State())
	}
	lc := net.ListenConfig{Control: sockoptControl}
	ln, err := lc.Listen(context.Background(), "tcp", laddr.String())
	if err != nil {
		c.state.Store(int32(StateBound))
		return fmt.Errorf("sockconn: listen %v: %w", laddr, err)
	}
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	done := make(chan struct{})
	c.mu.Lock()
	c.ln = ln
	c.acceptDone = done
	c.mu.Unlock()
	go c.acceptLoop(ln, backlog, done)
	return nil
}

func (c *Conn) acceptLoop(ln net.Listener, backlog int, done chan<- struct{}) {
	defer close(done)
	sem := make(chan struct{}, backlog)
	for {
		select {
		case sem <- struct{}{}:
		case <-c.closed:
			return
		}
		nc, err := ln.Accept()
		if err != nil {
			<-sem
			if c.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			// A failing listener is an abnormal teardown.
			c.logf("sockconn: accept: %v", err)
			c.teardown(err, true)
			return
		}
		go func() {
			defer func() { <-sem }()
			c.acceptOne(nc)
		}()
	}
}

func (c *Conn) acceptOne(nc net.Conn) {
	lp := c.protoSnapshot()
	if lp == nil { // listener mid-teardown
		nc.Close()
		return
	}
	child := New(c.cfg)
	p := sockhook.Inherit(lp, lp.Type())
	p.SetListener(c)
	child.SetCallbacks(p)
	c.cfg.Metrics.incAccepted()
	if err := child.establish(nc, StateCreated); err != nil {
		c.logf("sockconn: %v: connection rejected: %v", nc.RemoteAddr(), err)
	}
}

// Connect starts a non-blocking connect to addr. It returns once the
// dial is in flight; establishment is observed via the New hook and
// failure via the Error hook, not by blocking the caller.
func (c *Conn) Connect(addr string) error {
	if c.protoSnapshot() == nil {
		return ErrNoCallbacks
	}
	if !c.cas(StateCreated, StateConnecting) && !c.cas(StateBound, StateConnecting) {
		return fmt.Errorf("%w: connect in %v", ErrBadState, c.State())
	}
	go c.dial(addr)
	return nil
}

func (c *Conn) dial(addr string) {
	timeout := c.cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{
		Timeout: timeout,
		Control: sockoptControl,
	}
	c.mu.Lock()
	if c.laddr != nil {
		d.LocalAddr = c.laddr
	}
	c.mu.Unlock()
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		c.logf("sockconn: connect %v: %v", addr, err)
		c.teardown(err, true)
		return
	}
	c.cfg.Metrics.incDialed()
	if err := c.establish(nc, StateConnecting); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logf("sockconn: %v: connection rejected: %v", addr, err)
	}
}

// establish attaches the transport, dispatches New and starts the
// reader and writer. from is the state the connection must still be
// in; losing that transition means a concurrent close won.
func (c *Conn) establish(nc net.Conn, from State) error {
	c.mu.Lock()
	c.nc = nc
	c.rq = sockbuf.NewQueue(c.cfg.Arena)
	c.mu.Unlock()
	c.sendMu.Lock()
	c.txq = sockbuf.NewQueue(c.cfg.Arena)
	c.sendMu.Unlock()

	if !c.cas(from, StateEstablished) {
		// A concurrent close won, possibly with Release already past
		// the queue cleanup. Detach and return the queues built above
		// so nothing stays live in the arena; whoever swaps a queue
		// out to nil is its sole destroyer.
		c.mu.Lock()
		rq := c.rq
		c.rq = nil
		c.nc = nil
		c.mu.Unlock()
		if rq != nil {
			rq.Destroy(c.cfg.Arena.Free)
		}
		c.sendMu.Lock()
		txq := c.txq
		c.txq = nil
		c.sendMu.Unlock()
		if txq != nil {
			txq.Destroy(c.cfg.Arena.Free)
		}
		nc.Close()
		return net.ErrClosed
	}

	if err := c.dispatchNew(); err != nil {
		// Rejected by the engine: tear down before any queue
		// traffic. The New error was the engine's notification, so
		// no Drop or Error hook fires.
		c.teardown(nil, false)
		c.Release()
		return err
	}

	c.mu.Lock()
	c.established = true
	rdone := make(chan struct{})
	wdone := make(chan struct{})
	c.readerDone = rdone
	c.writerDone = wdone
	c.mu.Unlock()
	c.cfg.Metrics.incActive()
	go c.readLoop(nc, rdone)
	go c.writeLoop(nc, wdone)
	return nil
}

func (c *Conn) dispatchNew() error {
	var err error
	if !c.dispatch(func(h *sockhook.Hooks) { err = h.New(c) }) {
		return net.ErrClosed
	}
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close starts a graceful teardown: the Drop hook fires (exactly
// once, never together with Error) and in-flight callback activity
// begins draining. Close never blocks on the network.
func (c *Conn) Close() error {
	c.teardown(nil, true)
	return nil
}

// teardown is the single close path. cause nil means graceful. Only
// the caller that wins the transition to StateClosing dispatches the
// end hook, so Drop and Error are mutually exclusive and fire at most
// once.
func (c *Conn) teardown(cause error, endHook bool) {
	if !c.casToClosing() {
		return
	}
	// Fence dispatch admission before anything else: a delivery that
	// raced past its closed check must find the gate shut, so no Recv
	// can land after the end hook returns. The end hook itself runs
	// off a table pinned under the same lock.
	c.cbMu.Lock()
	c.fenced = true
	var hooks *sockhook.Hooks
	if c.proto != nil {
		hooks = c.proto.Hooks()
		c.inflight.Add(1)
	}
	c.cbMu.Unlock()

	close(c.closed)
	c.mu.Lock()
	nc, ln := c.nc, c.ln
	c.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	if nc != nil {
		nc.Close()
	}
	if hooks == nil {
		return
	}
	if !endHook {
		c.inflight.Decr()
		return
	}
	if cause == nil {
		hooks.Drop(c)
	} else {
		c.cfg.Metrics.incConnErrors()
		hooks.Error(c)
	}
	c.inflight.Decr()
}

// Release frees the connection. Valid only in StateClosing. It waits
// for the reader, writer and accept goroutines to exit and for every
// dispatched hook invocation to return, then uninstalls the
// descriptor and hands all still-queued segments back to the arena.
// Nothing is leaked and nothing is freed while an in-flight callback
// can still reference it.
func (c *Conn) Release() error {
	if !c.cas(StateClosing, StateReleased) {
		return fmt.Errorf("%w: release in %v", ErrBadState, c.State())
	}

	c.mu.Lock()
	rdone, wdone, adone := c.readerDone, c.writerDone, c.acceptDone
	wasEstablished := c.established
	c.mu.Unlock()
	<-rdone
	<-wdone
	<-adone

	// Fence off new dispatches, then wait out the in-flight ones.
	c.cbMu.Lock()
	c.proto = nil
	c.cbMu.Unlock()
	c.inflight.Decr()
	c.inflight.Wait()

	c.mu.Lock()
	rq := c.rq
	c.rq = nil
	c.mu.Unlock()
	if rq != nil {
		rq.Destroy(c.cfg.Arena.Free)
	}
	c.sendMu.Lock()
	txq := c.txq
	c.txq = nil
	c.sendMu.Unlock()
	if txq != nil {
		txq.Destroy(c.cfg.Arena.Free)
	}

	if wasEstablished {
		c.cfg.Metrics.decActive()
	}
	return nil
}
