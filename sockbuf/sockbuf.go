// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockbuf implements the segment arena and the per-connection
// segment queue used by the socket layer.
//
// A Segment is a borrowed reference to a span of wire bytes. Segments
// are slab-allocated from an Arena and addressed by integer Handles,
// so queue links are indices checked at runtime rather than raw
// pointers. A Queue is a sentinel-based circular doubly linked list:
// the empty queue points at its own sentinel record, which keeps the
// hot push/unlink paths free of nil checks.
package sockbuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go4.org/mem"
)

// Handle addresses one segment record within an Arena.
type Handle int32

// None is the null Handle. Queue lookups return None when the queue
// is empty or iteration runs past the tail.
const None Handle = -1

const chunkShift = 8
const chunkSize = 1 << chunkShift // records per slab chunk

// Segment is one arena record: a payload span plus embedded queue
// links. The links belong to at most one Queue at a time.
type Segment struct {
	payload []byte
	next    Handle
	prev    Handle
	owner   *Queue // non-nil while linked
}

// Arena is a chunked slab of segment records with a free list.
// Alloc and Free are O(1); growth adds whole chunks so record
// addresses stay stable for the life of the Arena.
//
// An Arena is safe for concurrent use. Queues built over it are not;
// see Queue.
type Arena struct {
	mu     sync.Mutex                 // serializes Alloc, Free and growth
	chunks atomic.Pointer[[][]Segment] // snapshot-swapped so seg is lock-free
	free   Handle                     // head of free list, linked through Segment.next
	nalloc int
}

// NewArena returns an empty Arena. No records are allocated until the
// first Alloc.
func NewArena() *Arena {
	a := &Arena{free: None}
	a.chunks.Store(new([][]Segment))
	return a
}

func (a *Arena) seg(h Handle) *Segment {
	chunks := *a.chunks.Load()
	if h < 0 || int(h) >= len(chunks)<<chunkShift {
		panic(fmt.Sprintf("sockbuf: bad handle %d", h))
	}
	return &chunks[h>>chunkShift][h&(chunkSize-1)]
}

func (a *Arena) grow() {
	old := *a.chunks.Load()
	base := Handle(len(old) << chunkShift)
	// Copy the chunk table rather than appending in place: lock-free
	// readers may still hold the old snapshot.
	chunks := append(old[:len(old):len(old)], make([]Segment, chunkSize))
	a.chunks.Store(&chunks)
	// Thread the new records onto the free list so handles are
	// handed out in ascending order.
	for i := chunkSize - 1; i >= 0; i-- {
		h := base + Handle(i)
		s := a.seg(h)
		s.next = a.free
		a.free = h
	}
}

// Alloc takes a free record, points it at payload and returns its
// handle. The payload bytes are borrowed, never copied; the caller
// must keep them alive until the segment is freed.
func (a *Arena) Alloc(payload []byte) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free == None {
		a.grow()
	}
	h := a.free
	s := a.seg(h)
	a.free = s.next
	s.payload = payload
	s.next = None
	s.prev = None
	s.owner = nil
	a.nalloc++
	return h
}

// Free returns a segment record to the arena. The segment must not be
// linked into any queue.
func (a *Arena) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.seg(h)
	if s.owner != nil {
		panic("sockbuf: Free of linked segment")
	}
	s.payload = nil
	s.prev = None
	s.next = a.free
	a.free = h
	a.nalloc--
}

// Allocated reports the number of live (allocated, not yet freed)
// records, including queue sentinels.
func (a *Arena) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nalloc
}

// Bytes returns the segment's payload span. The span is owned by
// whoever produced it; callers that only forward data must not
// mutate it.
func (a *Arena) Bytes(h Handle) []byte { return a.seg(h).payload }

// View returns a read-only view of the segment's payload, for
// consumers that must not be able to mutate buffers they only
// examine.
func (a *Arena) View(h Handle) mem.RO { return mem.B(a.seg(h).payload) }

// Size returns the payload length in bytes.
func (a *Arena) Size(h Handle) int { return len(a.seg(h).payload) }

// Advance drops the first n bytes of the segment's payload, in place
// and without copying. It panics if n exceeds the payload size.
func (a *Arena) Advance(h Handle, n int) {
	s := a.seg(h)
	if n > len(s.payload) {
		panic(fmt.Sprintf("sockbuf: Advance(%d) past end of %d-byte segment", n, len(s.payload)))
	}
	s.payload = s.payload[n:]
}

// Queue is a FIFO of segments scoped to one connection, linked
// through the segments' embedded handles.
//
// A Queue is not internally locked: the socket layer guarantees a
// single producer and a single consumer per queue, and the two never
// run the same operation concurrently.
type Queue struct {
	a *Arena
	s Handle // sentinel record
	n int
}

// Init binds q to an arena and makes it empty. It allocates the
// queue's sentinel record; Destroy returns it.
func (q *Queue) Init(a *Arena) {
	q.a = a
	q.s = a.Alloc(nil)
	q.n = 0
	s := a.seg(q.s)
	s.next = q.s
	s.prev = q.s
	s.owner = q
}

// NewQueue returns an initialized empty queue over a.
func NewQueue(a *Arena) *Queue {
	q := new(Queue)
	q.Init(a)
	return q
}

// Destroy drains any remaining segments through f (typically
// (*Arena).Free, to hand them back to their owner) and releases the
// sentinel. The queue must be re-Initialized before reuse.
func (q *Queue) Destroy(f func(Handle)) {
	for h := q.Pop(); h != None; h = q.Pop() {
		if f != nil {
			f(h)
		}
	}
	s := q.a.seg(q.s)
	s.owner = nil
	s.next = None
	s.prev = None
	q.a.Free(q.s)
	q.s = None
}

// Empty reports whether the queue holds no segments.
func (q *Queue) Empty() bool { return q.a.seg(q.s).next == q.s }

// Len returns the number of queued segments.
func (q *Queue) Len() int { return q.n }

// PushTail appends the segment at the tail in FIFO order.
// If the segment is already linked the call is a no-op, so racing
// code paths cannot double-queue one segment.
func (q *Queue) PushTail(h Handle) {
	seg := q.a.seg(h)
	if seg.owner != nil {
		return
	}
	s := q.a.seg(q.s)
	seg.next = q.s
	seg.prev = s.prev
	q.a.seg(s.prev).next = h
	s.prev = h
	seg.owner = q
	q.n++
}

// Unlink removes the segment from wherever it sits in the queue,
// joining its neighbors. It panics if the segment is not a member of
// q: unlinking through the wrong queue is a layering bug, not a
// runtime condition.
func (q *Queue) Unlink(h Handle) {
	seg := q.a.seg(h)
	if seg.owner != q || h == q.s {
		panic("sockbuf: Unlink of segment not in this queue")
	}
	q.a.seg(seg.next).prev = seg.prev
	q.a.seg(seg.prev).next = seg.next
	seg.next = None
	seg.prev = None
	seg.owner = nil
	q.n--
}

// Peek returns the head segment without removing it, or None.
func (q *Queue) Peek() Handle {
	h := q.a.seg(q.s).next
	if h == q.s {
		return None
	}
	return h
}

// PeekTail returns the tail segment without removing it, or None.
func (q *Queue) PeekTail() Handle {
	h := q.a.seg(q.s).prev
	if h == q.s {
		return None
	}
	return h
}

// Next returns the segment after h, or None past the tail.
func (q *Queue) Next(h Handle) Handle {
	seg := q.a.seg(h)
	if seg.owner != q {
		panic("sockbuf: Next of segment not in this queue")
	}
	if seg.next == q.s {
		return None
	}
	return seg.next
}

// Pop removes and returns the head segment, or None when empty.
func (q *Queue) Pop() Handle {
	h := q.Peek()
	if h != None {
		q.Unlink(h)
	}
	return h
}

// TakeFrom moves every segment from src onto q's tail, preserving
// order. Used to hand a caller-built queue to the transmit path
// without copying payloads.
func (q *Queue) TakeFrom(src *Queue) {
	if src.a != q.a {
		panic("sockbuf: TakeFrom across arenas")
	}
	for h := src.Pop(); h != None; h = src.Pop() {
		q.PushTail(h)
	}
}
