// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockhook wires protocol engines (TLS record layer, HTTP
// parser) into raw connections without the socket layer knowing any
// protocol semantics.
//
// An engine supplies a Hooks table for its protocol type and keeps it
// registered for the life of the process module. Each connection
// carries a Proto descriptor binding it to one Hooks table plus a
// type tag; layering a protocol over an established lower layer is
// modeled by Inherit, which shares the parent's table under the
// child's own tag.
package sockhook

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/firegate-io/firegate/sockbuf"
)

// Type tags the protocol an engine registers for. Values are defined
// by the engines themselves; the socket layer only matches them.
type Type int

// ErrAlreadyRegistered is returned by Registry.Register when the
// protocol type already has a hook table. Silent override would leave
// live connections dispatching into the wrong engine.
var ErrAlreadyRegistered = errors.New("sockhook: protocol type already registered")

// ErrWantMore is returned by a Recv hook that cannot make progress
// until more bytes arrive. It is flow control, not a failure: the
// unconsumed segments stay queued for the next invocation.
var ErrWantMore = errors.New("sockhook: need more data")

// Conn is the view of a connection that hooks receive. The concrete
// type is the socket layer's connection; hooks get the narrow surface
// they need and nothing else.
type Conn interface {
	// RemoteAddr reports the peer address.
	RemoteAddr() net.Addr
	// Send hands a segment queue to the transmit path. It never
	// blocks and never copies payloads.
	Send(q *sockbuf.Queue) error
	// Close starts a graceful teardown.
	Close() error
	// Arena returns the segment arena the connection allocates from.
	Arena() *sockbuf.Arena
	// ProtoType returns the connection's protocol tag.
	ProtoType() Type
}

// Hooks is the table of connection-lifecycle callbacks one protocol
// engine supplies. All entries must be non-nil.
type Hooks struct {
	// New is dispatched once a connection is established (accepted
	// or connected). A non-nil error rejects the connection; it is
	// torn down before any data is delivered.
	New func(c Conn) error

	// Drop is dispatched on graceful teardown, exactly once,
	// mutually exclusive with Error.
	Drop func(c Conn)

	// Error is dispatched on abnormal teardown (peer reset, protocol
	// violation), exactly once, mutually exclusive with Drop.
	Error func(c Conn)

	// Recv is dispatched after inbound segments are queued. q is the
	// connection's inbound queue and off the count of leading bytes
	// already examined by earlier invocations. It returns how many
	// bytes it consumed, or ErrWantMore to be called again when more
	// data arrives, or any other error to kill the connection.
	Recv func(c Conn, q *sockbuf.Queue, off int) (int, error)
}

func (h *Hooks) valid() bool {
	return h != nil && h.New != nil && h.Drop != nil && h.Error != nil && h.Recv != nil
}

// Registry maps protocol types to their hook tables. It is an
// explicit object, created by whoever owns the listening sockets;
// registration happens at module init, lookup on every accept.
type Registry struct {
	mu sync.RWMutex
	m  map[Type]*Hooks
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[Type]*Hooks)}
}

// Register adds the hook table for typ. It fails with
// ErrAlreadyRegistered if typ already has one, and panics on an
// incomplete table: a nil hook is a wiring bug, not a runtime
// condition.
func (r *Registry) Register(typ Type, h *Hooks) error {
	if !h.valid() {
		panic("sockhook: Register with incomplete hook table")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[typ]; dup {
		return fmt.Errorf("%w: type %d", ErrAlreadyRegistered, typ)
	}
	r.m[typ] = h
	return nil
}

// Unregister removes the registration for typ. The caller must have
// quiesced all connections of that type first; further dispatches for
// it are a bug.
func (r *Registry) Unregister(typ Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, typ)
}

// Lookup returns the hook table registered for typ.
func (r *Registry) Lookup(typ Type) (*Hooks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[typ]
	return h, ok
}

// Proto is the per-connection protocol descriptor: the hook table the
// connection dispatches into, the listener it was accepted from (nil
// for outbound connections) and its protocol type tag.
type Proto struct {
	hooks    *Hooks
	listener Conn
	typ      Type
}

// Init binds a fresh descriptor to a hook table and type.
func (p *Proto) Init(h *Hooks, typ Type) {
	p.hooks = h
	p.listener = nil
	p.typ = typ
}

// Inherit returns a child descriptor for a protocol layered over
// parent's: it shares the parent's hook table handle and carries its
// own type tag. There is no partial override; the child dispatches
// exactly the parent's hooks.
func Inherit(parent *Proto, childType Type) *Proto {
	return &Proto{
		hooks:    parent.hooks,
		listener: parent.listener,
		typ:      childType,
	}
}

// Hooks returns the bound hook table.
func (p *Proto) Hooks() *Hooks { return p.hooks }

// Type returns the protocol type tag.
func (p *Proto) Type() Type { return p.typ }

// Listener returns the accepting connection, or nil.
func (p *Proto) Listener() Conn { return p.listener }

// SetListener records the accepting connection on a descriptor.
func (p *Proto) SetListener(c Conn) { p.listener = c }
