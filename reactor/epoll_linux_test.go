//go:build linux

package reactor

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type countHandler struct {
	ready chan EventMask
}

func (h *countHandler) IOReady(mask EventMask) {
	h.ready <- mask
}

func TestEpollReactorRegisterAndReadReady(t *testing.T) {
	re, err := NewEpollReactor(nil)
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	defer re.Stop()

	server, client := socketPair(t)
	defer unix.Close(server)
	defer unix.Close(client)

	h := &countHandler{ready: make(chan EventMask, 4)}
	reg, err := re.Register(server, Read, h)
	require.NoError(t, err)
	defer reg.Unregister()

	_, err = unix.Write(client, []byte("ping"))
	require.NoError(t, err)

	select {
	case mask := <-h.ready:
		require.True(t, mask.Has(Read))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read readiness")
	}
}

func TestEpollReactorScheduleTimeout(t *testing.T) {
	re, err := NewEpollReactor(nil)
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	defer re.Stop()

	fired := make(chan struct{}, 1)
	re.ScheduleTimeout(50*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestEpollReactorCancelTimeout(t *testing.T) {
	re, err := NewEpollReactor(nil)
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	defer re.Stop()

	fired := make(chan struct{}, 1)
	timer := re.ScheduleTimeout(200*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("canceled timer fired anyway")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestEpollReactorIsInLoopThread(t *testing.T) {
	re, err := NewEpollReactor(nil)
	require.NoError(t, err)
	go func() { _ = re.Run() }()
	defer re.Stop()

	require.False(t, re.IsInLoopThread())

	seen := make(chan bool, 1)
	re.ScheduleTimeout(10*time.Millisecond, func() { seen <- re.IsInLoopThread() })
	require.True(t, <-seen)
}

// socketPair returns two connected, non-blocking loopback TCP fds
// using net.Pipe's TCP equivalent, since this package operates on raw
// fds rather than net.Conn.
func socketPair(t *testing.T) (serverFD, clientFD int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted

	serverFD = dupFD(t, server)
	clientFD = dupFD(t, client)
	server.Close()
	client.Close()
	return serverFD, clientFD
}

func dupFD(t *testing.T, c net.Conn) int {
	t.Helper()
	sc, ok := c.(syscallConner)
	require.True(t, ok)
	f, err := sc.File()
	require.NoError(t, err)
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fd, true))
	return fd
}

type syscallConner interface {
	File() (*os.File, error)
}
