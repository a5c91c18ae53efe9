//go:build linux

package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
)

// testConnectCB collects connect outcomes onto buffered channels so the
// test goroutine can synchronize with the reactor goroutine.
type testConnectCB struct {
	success chan struct{}
	failure chan *asyncerr.Error
}

func newTestConnectCB() *testConnectCB {
	return &testConnectCB{success: make(chan struct{}, 1), failure: make(chan *asyncerr.Error, 1)}
}

func (cb *testConnectCB) ConnectSuccess()             { cb.success <- struct{}{} }
func (cb *testConnectCB) ConnectError(err *asyncerr.Error) { cb.failure <- err }

// testReadCB accumulates every DataAvailable chunk into buf and signals
// eof/err channels on termination.
type testReadCB struct {
	buf    []byte
	scratch [4096]byte
	data   chan []byte
	eof    chan struct{}
	err    chan *asyncerr.Error
}

func newTestReadCB() *testReadCB {
	return &testReadCB{
		data: make(chan []byte, 16),
		eof:  make(chan struct{}, 1),
		err:  make(chan *asyncerr.Error, 1),
	}
}

func (cb *testReadCB) GetReadBuffer() ([]byte, error) { return cb.scratch[:], nil }
func (cb *testReadCB) DataAvailable(n int) {
	got := make([]byte, n)
	copy(got, cb.scratch[:n])
	cb.data <- got
}
func (cb *testReadCB) EOF()                          { cb.eof <- struct{}{} }
func (cb *testReadCB) ReadError(err *asyncerr.Error) { cb.err <- err }

type testWriteCB struct {
	done chan error
}

func newTestWriteCB() *testWriteCB {
	return &testWriteCB{done: make(chan error, 1)}
}

func (cb *testWriteCB) WriteSuccess()                      { cb.done <- nil }
func (cb *testWriteCB) WriteError(_ int, err *asyncerr.Error) { cb.done <- err }

// runOnLoop schedules f on re's own goroutine and blocks until it has
// run, since every socket.Connection entry point asserts it is called
// from the reactor's loop thread (spec.md §5).
func runOnLoop(t *testing.T, re reactor.Reactor, f func()) {
	t.Helper()
	done := make(chan struct{})
	re.ScheduleTimeout(0, func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out running on reactor loop")
	}
}

func startReactor(t *testing.T) reactor.Reactor {
	t.Helper()
	re, err := reactor.NewEpollReactor(logger.Nil{})
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	t.Cleanup(re.Stop)
	return re
}

func TestConnectionConnectAndWriteRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverGotPing := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		_, _ = c.Read(buf)
		close(serverGotPing)
		_, _ = c.Write([]byte("pong"))
	}()

	re := startReactor(t)
	conn := New(re, logger.Nil{})

	connectCB := newTestConnectCB()
	runOnLoop(t, re, func() {
		conn.Connect("tcp", ln.Addr().String(), time.Second, connectCB)
	})

	select {
	case <-connectCB.success:
	case err := <-connectCB.failure:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
	require.Equal(t, Established, conn.State())

	readCB := newTestReadCB()
	writeCB := newTestWriteCB()
	runOnLoop(t, re, func() {
		conn.SetReadCallback(readCB)
		conn.Write(writeCB, []byte("ping"), false, true)
	})

	select {
	case <-serverGotPing:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the write")
	}

	select {
	case err := <-writeCB.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never completed")
	}

	select {
	case got := <-readCB.data:
		require.Equal(t, []byte("pong"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("read never arrived")
	}

	runOnLoop(t, re, func() {
		conn.CloseNow()
	})
	require.Equal(t, Closed, conn.State())
}

func TestConnectionConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now; connect should be refused

	re := startReactor(t)
	conn := New(re, logger.Nil{})
	connectCB := newTestConnectCB()

	runOnLoop(t, re, func() {
		conn.Connect("tcp", addr, time.Second, connectCB)
	})

	select {
	case <-connectCB.success:
		t.Fatal("connect unexpectedly succeeded against a closed listener")
	case err := <-connectCB.failure:
		require.Equal(t, asyncerr.InternalError, err.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never resolved")
	}
	require.Equal(t, Error, conn.State())
}

func TestNewOptionsAppliesFunctionalOptionsOverDefaults(t *testing.T) {
	o := NewOptions(WithNoDelay(false), WithReuseAddr(true), WithReadBufferCap(8192))
	require.False(t, o.NoDelay)
	require.True(t, o.ReuseAddr)
	require.Equal(t, 8192, o.ReadBufferCap)
	require.Equal(t, 16, o.MaxReadsPerWake) // untouched default survives

	def := NewOptions()
	require.Equal(t, defaultOptions(), def)
}

func TestConnectionConnectWithFunctionalOptions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		for {
			if _, err := c.Read(buf); err != nil {
				return
			}
		}
	}()

	re := startReactor(t)
	conn := New(re, logger.Nil{})
	connectCB := newTestConnectCB()

	runOnLoop(t, re, func() {
		conn.Connect("tcp", ln.Addr().String(), time.Second, connectCB,
			NewOptions(WithNoDelay(true), WithReuseAddr(true)))
	})

	select {
	case <-connectCB.success:
	case err := <-connectCB.failure:
		t.Fatalf("connect failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}
	require.Equal(t, Established, conn.State())

	runOnLoop(t, re, func() { conn.CloseNow() })
}

func TestConnectionShutdownWriteCompletesWriteThenHalfCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n == 0 || err != nil {
				close(serverDone)
				return
			}
		}
	}()

	re := startReactor(t)
	conn := New(re, logger.Nil{})
	connectCB := newTestConnectCB()

	runOnLoop(t, re, func() {
		conn.Connect("tcp", ln.Addr().String(), time.Second, connectCB)
	})
	select {
	case <-connectCB.success:
	case <-time.After(2 * time.Second):
		t.Fatal("connect never completed")
	}

	writeCB := newTestWriteCB()
	runOnLoop(t, re, func() {
		conn.Write(writeCB, []byte("data"), false, false)
		conn.ShutdownWrite()
	})

	select {
	case err := <-writeCB.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never completed")
	}

	runOnLoop(t, re, func() {
		require.True(t, conn.shut.Has(ShutWrite))
	})

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the half-close")
	}
}

// TestWritevBailsOutAfterFatalSyncWriteWithoutDoubleFiringCallback is a
// regression test for the exactly-once write-callback invariant
// (spec.md §8): a fatal synchronous sendmsg error must not leave the
// already-failed request behind for a later timer or shutdown drain to
// fail a second time.
func TestWritevBailsOutAfterFatalSyncWriteWithoutDoubleFiringCallback(t *testing.T) {
	re := startReactor(t)
	conn := New(re, logger.Nil{})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))

	writeCB := newTestWriteCB()
	runOnLoop(t, re, func() {
		conn.fd = fds[0]
		conn.state = Established
		require.NoError(t, unix.Close(conn.fd))
		conn.Write(writeCB, []byte("x"), false, false)
	})

	select {
	case err := <-writeCB.done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write callback never fired")
	}

	select {
	case <-writeCB.done:
		t.Fatal("write callback fired a second time for the same request")
	case <-time.After(100 * time.Millisecond):
	}

	runOnLoop(t, re, func() {
		require.Equal(t, Error, conn.State())
		require.True(t, conn.writeQ.empty())
	})
}

func TestWriteRequestAdvanceAcrossSegments(t *testing.T) {
	req := newWriteRequest(NoopWriteCallback, [][]byte{[]byte("abc"), []byte("defgh")}, false, false)
	require.Equal(t, 8, req.remaining())

	req.advance(2)
	require.False(t, req.done())
	require.Equal(t, 6, req.remaining())

	req.advance(1)
	require.Equal(t, 5, req.remaining())
	require.Equal(t, 1, req.segIdx)

	req.advance(5)
	require.True(t, req.done())
	require.Equal(t, 0, req.remaining())
}

func TestWriteQueueDrainInvokesEveryRequest(t *testing.T) {
	var q writeQueue
	cb1, cb2 := newTestWriteCB(), newTestWriteCB()
	q.push(newWriteRequest(cb1, [][]byte{[]byte("a")}, false, false))
	q.push(newWriteRequest(cb2, [][]byte{[]byte("b")}, false, false))
	require.False(t, q.empty())

	q.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, asyncerr.New(asyncerr.EndOfFile, nil))
	})
	require.True(t, q.empty())

	err1 := <-cb1.done
	err2 := <-cb2.done
	require.Error(t, err1)
	require.Error(t, err2)
}
