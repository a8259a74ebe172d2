// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sockconn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/firegate-io/firegate/sockbuf"
	"github.com/firegate-io/firegate/sockhook"
	"github.com/firegate-io/firegate/types/logger"
)

const testType sockhook.Type = 7

// testEngine is a minimal protocol engine: it collects everything the
// Recv hook sees and signals lifecycle dispatches over channels.
type testEngine struct {
	newErr    error         // returned by the New hook
	recvSleep time.Duration // artificial hook latency
	recvDone  atomic.Bool   // set when a Recv invocation returns

	newc    chan *Conn
	drops   chan struct{}
	errs    chan struct{}
	started chan struct{} // first Recv entered

	mu        sync.Mutex
	collected []byte
	recvCalls int
}

func newTestEngine() *testEngine {
	return &testEngine{
		newc:    make(chan *Conn, 8),
		drops:   make(chan struct{}, 8),
		errs:    make(chan struct{}, 8),
		started: make(chan struct{}, 8),
	}
}

func (e *testEngine) hooks() *sockhook.Hooks {
	return &sockhook.Hooks{
		New: func(c sockhook.Conn) error {
			if e.newErr != nil {
				return e.newErr
			}
			e.newc <- c.(*Conn)
			return nil
		},
		Drop:  func(c sockhook.Conn) { e.drops <- struct{}{} },
		Error: func(c sockhook.Conn) { e.errs <- struct{}{} },
		Recv: func(c sockhook.Conn, q *sockbuf.Queue, off int) (int, error) {
			select {
			case e.started <- struct{}{}:
			default:
			}
			if e.recvSleep > 0 {
				time.Sleep(e.recvSleep)
			}
			a := c.Arena()
			total := 0
			e.mu.Lock()
			for h := q.Peek(); h != sockbuf.None; h = q.Next(h) {
				b := a.Bytes(h)
				e.collected = append(e.collected, b...)
				total += len(b)
			}
			e.recvCalls++
			e.mu.Unlock()
			e.recvDone.Store(true)
			return total, nil
		},
	}
}

func (e *testEngine) collectedString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.collected)
}

func newTestSetup(t *testing.T) (Config, *testEngine) {
	t.Helper()
	e := newTestEngine()
	reg := sockhook.NewRegistry()
	if err := reg.Register(testType, e.hooks()); err != nil {
		t.Fatal(err)
	}
	return Config{
		Logf:     logger.Discard,
		Registry: reg,
		Arena:    sockbuf.NewArena(),
	}, e
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

func startListener(t *testing.T, cfg Config) *Conn {
	t.Helper()
	l := New(cfg)
	if err := l.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	if err := l.Bind("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	if err := l.Listen(4); err != nil {
		t.Fatal(err)
	}
	return l
}

// TestAcceptScenario drives the canonical flow: accept a connection,
// deliver a request split across arbitrary boundaries, and check that
// the Recv hook observed the exact original bytes in order.
func TestAcceptScenario(t *testing.T) {
	cfg, e := newTestSetup(t)
	promReg := prometheus.NewRegistry()
	cfg.Metrics = NewMetrics(promReg)

	l := startListener(t, cfg)
	nc, err := net.Dial("tcp", l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}

	child := waitFor(t, e.newc, "New hook")
	if child.State() != StateEstablished {
		t.Errorf("child state = %v, want Established", child.State())
	}
	if child.ProtoType() != testType {
		t.Errorf("child proto type = %v, want %v", child.ProtoType(), testType)
	}
	if got := child.protoSnapshot().Listener(); got != sockhook.Conn(l) {
		t.Errorf("child descriptor listener = %v, want the listener", got)
	}

	const msg = "GET / HTTP/1.1\r\n\r\n"
	for _, part := range []string{msg[:5], msg[5:11], msg[11:]} {
		if _, err := nc.Write([]byte(part)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.collectedString() != msg {
		if time.Now().After(deadline) {
			t.Fatalf("collected %q, want %q", e.collectedString(), msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.mu.Lock()
	calls := e.recvCalls
	e.mu.Unlock()
	if calls < 1 {
		t.Error("Recv hook never invoked")
	}

	nc.Close()
	waitFor(t, e.drops, "Drop hook") // peer EOF is a graceful drop
	if err := child.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if child.State() != StateReleased {
		t.Errorf("state after Release = %v", child.State())
	}

	l.Close()
	waitFor(t, e.drops, "listener Drop hook")
	if err := l.Release(); err != nil {
		t.Fatalf("listener Release: %v", err)
	}

	if got := cfg.Arena.Allocated(); got != 0 {
		t.Errorf("arena has %d live records after release, want 0", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.Accepted); got != 1 {
		t.Errorf("accepted counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(cfg.Metrics.Active); got != 0 {
		t.Errorf("active gauge = %v, want 0", got)
	}
}

func TestConnectNonBlocking(t *testing.T) {
	cfg, e := newTestSetup(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		sc, err := ln.Accept()
		if err != nil {
			return
		}
		sc.Write([]byte("hello"))
		sc.Close()
	}()

	c := New(cfg)
	if err := c.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ln.Addr().String()); err != nil {
		t.Fatal(err)
	}

	got := waitFor(t, e.newc, "New hook")
	if got != c {
		t.Error("New hook fired for a different connection")
	}
	if c.RemoteAddr() == nil {
		t.Error("RemoteAddr nil on established connection")
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.collectedString() != "hello" {
		if time.Now().After(deadline) {
			t.Fatalf("collected %q, want %q", e.collectedString(), "hello")
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, e.drops, "Drop hook")
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectRefusedDispatchesError(t *testing.T) {
	cfg, e := newTestSetup(t)

	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(cfg)
	if err := c.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(addr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.errs, "Error hook")
	if len(e.drops) != 0 {
		t.Error("Drop dispatched alongside Error")
	}
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestCloseSingleDispatch(t *testing.T) {
	cfg, e := newTestSetup(t)
	l := startListener(t, cfg)
	defer func() {
		l.Close()
		<-e.drops
		l.Release()
	}()

	nc, err := net.Dial("tcp", l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	child := waitFor(t, e.newc, "New hook")

	// Race local closes against the peer going away.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child.Close()
		}()
	}
	nc.Close()
	wg.Wait()

	waitFor(t, e.drops, "end hook")
	time.Sleep(100 * time.Millisecond)
	if n := len(e.drops) + len(e.errs); n != 0 {
		t.Fatalf("end hook dispatched %d extra times", n+1)
	}
	if err := child.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestRejectedConnection(t *testing.T) {
	cfg, e := newTestSetup(t)
	e.newErr = errors.New("engine says no")
	l := startListener(t, cfg)

	nc, err := net.Dial("tcp", l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	// The rejected connection is torn down before any queue traffic:
	// our read sees it end without data.
	nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if n, err := nc.Read(buf); err == nil {
		t.Fatalf("read %d bytes from rejected connection", n)
	}
	nc.Close()

	time.Sleep(100 * time.Millisecond)
	if n := len(e.drops) + len(e.errs); n != 0 {
		t.Errorf("end hooks dispatched %d times for rejected connection", n)
	}

	e.newErr = nil
	l.Close()
	waitFor(t, e.drops, "listener Drop hook")
	l.Release()
	if got := cfg.Arena.Allocated(); got != 0 {
		t.Errorf("arena has %d live records, want 0", got)
	}
}

// TestSendBackpressure pushes a segment queue far larger than the
// transport window (a net.Pipe accepts nothing until read) and checks
// that Send doesn't block, nothing is dropped or duplicated, and
// order survives the chunked drain.
func TestSendBackpressure(t *testing.T) {
	cfg, e := newTestSetup(t)

	clientEnd, serverEnd := net.Pipe()
	c := New(cfg)
	if err := c.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	if err := c.establish(serverEnd, StateCreated); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.newc, "New hook")

	const nseg, segLen = 64, 1024
	var want []byte
	q := sockbuf.NewQueue(cfg.Arena)
	for i := 0; i < nseg; i++ {
		seg := make([]byte, segLen)
		for j := range seg {
			seg[j] = byte(i)
		}
		want = append(want, seg...)
		q.PushTail(cfg.Arena.Alloc(seg))
	}

	if err := c.Send(q); err != nil {
		t.Fatal(err)
	}
	if !q.Empty() {
		t.Error("Send left segments on the caller's queue")
	}

	// Drain slowly in small chunks, exercising many writability
	// rounds on the transmit side.
	got := make([]byte, 0, len(want))
	buf := make([]byte, 100)
	for len(got) < len(want) {
		clientEnd.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := clientEnd.Read(buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("transmitted bytes differ (-got +want):\n%s", diff)
	}

	c.Close()
	waitFor(t, e.drops, "Drop hook")
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
	q.Destroy(nil)
	clientEnd.Close()
	if got := cfg.Arena.Allocated(); got != 0 {
		t.Errorf("arena has %d live records, want 0", got)
	}
}

// TestReleaseQuiescence verifies Release does not complete while a
// dispatched hook invocation is still running.
func TestReleaseQuiescence(t *testing.T) {
	cfg, e := newTestSetup(t)
	e.recvSleep = 600 * time.Millisecond

	l := startListener(t, cfg)
	defer func() {
		l.Close()
		<-e.drops
		l.Release()
	}()

	nc, err := net.Dial("tcp", l.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	child := waitFor(t, e.newc, "New hook")

	if _, err := nc.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.started, "Recv hook entry")

	start := time.Now()
	child.Close()
	if err := child.Release(); err != nil {
		t.Fatal(err)
	}
	if !e.recvDone.Load() {
		t.Fatal("Release returned while Recv hook still running")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Release returned after %v; expected to wait for the sleeping hook", elapsed)
	}
}

func TestLifecycleErrors(t *testing.T) {
	cfg, _ := newTestSetup(t)

	c := New(cfg)
	if err := c.Send(sockbuf.NewQueue(cfg.Arena)); !errors.Is(err, ErrBadState) {
		t.Errorf("Send in Created = %v, want ErrBadState", err)
	}
	if err := c.Release(); !errors.Is(err, ErrBadState) {
		t.Errorf("Release in Created = %v, want ErrBadState", err)
	}
	if err := c.Listen(1); !errors.Is(err, ErrNoCallbacks) {
		t.Errorf("Listen without hooks = %v, want ErrNoCallbacks", err)
	}
	if err := c.Connect("127.0.0.1:1"); !errors.Is(err, ErrNoCallbacks) {
		t.Errorf("Connect without hooks = %v, want ErrNoCallbacks", err)
	}
	if err := c.Bind("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	if err := c.Bind("127.0.0.1:0"); !errors.Is(err, ErrBadState) {
		t.Errorf("second Bind = %v, want ErrBadState", err)
	}
	if c.RemoteAddr() != nil {
		t.Error("RemoteAddr non-nil before establishment")
	}
}

// TestEstablishAfterClose drives the dial path losing the race with a
// concurrent close: establishment must fail and the queues built for
// it must go back to the arena even when Release already ran.
func TestEstablishAfterClose(t *testing.T) {
	cfg, e := newTestSetup(t)
	c := New(cfg)
	if err := c.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	c.Close()
	waitFor(t, e.drops, "Drop hook")
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	if err := c.establish(serverEnd, StateConnecting); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("establish after close = %v, want net.ErrClosed", err)
	}
	if got := cfg.Arena.Allocated(); got != 0 {
		t.Errorf("arena has %d live records after lost establish, want 0", got)
	}
	if c.RemoteAddr() != nil {
		t.Error("RemoteAddr non-nil on a connection that never established")
	}
}

// TestNoDispatchAfterClose checks the admission fence: once the end
// hook has fired, a delivery that raced past the closed check must
// find dispatch shut rather than hand the engine a Recv on a dead
// connection.
func TestNoDispatchAfterClose(t *testing.T) {
	cfg, e := newTestSetup(t)

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	c := New(cfg)
	if err := c.InstallType(testType); err != nil {
		t.Fatal(err)
	}
	if err := c.establish(serverEnd, StateCreated); err != nil {
		t.Fatal(err)
	}
	waitFor(t, e.newc, "New hook")

	c.Close()
	waitFor(t, e.drops, "Drop hook")

	if c.dispatch(func(h *sockhook.Hooks) { h.Recv(c, c.rq, 0) }) {
		t.Error("dispatch admitted a hook invocation after close")
	}
	if n := len(e.started); n != 0 {
		t.Errorf("Recv reached the engine %d times after close", n)
	}
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleRelease(t *testing.T) {
	cfg, e := newTestSetup(t)
	l := startListener(t, cfg)
	l.Close()
	waitFor(t, e.drops, "Drop hook")
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); !errors.Is(err, ErrBadState) {
		t.Errorf("second Release = %v, want ErrBadState", err)
	}
}
