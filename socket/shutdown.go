//go:build linux

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
)

// ShutdownWrite sets SHUT_WRITE_PENDING and lets the queue drain,
// per spec.md §4.1.
func (c *Connection) ShutdownWrite() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if c.state != Connecting && c.state != Established {
		return
	}
	if c.writeQ.empty() {
		c.shut |= ShutWrite
		_ = unix.Shutdown(c.fd, unix.SHUT_WR)
		if c.shut.Has(ShutRead) {
			c.transitionClosedAfterDrain()
		}
		return
	}
	c.shut |= ShutWritePending
}

// ShutdownWriteNow immediately half-closes, fails all queued writes
// with END_OF_FILE, and cancels the send timeout, per spec.md §4.1.
func (c *Connection) ShutdownWriteNow() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if c.state != Connecting && c.state != Established {
		return
	}
	c.shut = (c.shut &^ ShutWritePending) | ShutWrite
	c.cancelSendTimer()
	if c.fd >= 0 {
		_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	}
	c.writeQ.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, asyncerr.New(asyncerr.EndOfFile, nil))
	})
	c.rearm()
	if c.shut.Has(ShutRead) {
		c.transitionClosedAfterDrain()
	}
}

// Close waits for the write queue to drain before tearing down
// (only meaningful while CONNECTING/ESTABLISHED); CloseNow is
// unconditional. Both implement spec.md §4.1/§7's close protocol,
// including the fixed callback-delivery order.
func (c *Connection) Close() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if (c.state == Connecting || c.state == Established) && !c.writeQ.empty() {
		c.shut |= ShutWritePending
		return
	}
	c.closeNowLocked()
}

func (c *Connection) CloseNow() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	c.closeNowLocked()
}

// localCloseErr is the EndOfFile error connect and write callbacks
// receive on a local close. A read callback gets EOF() on a local close
// exactly as on a peer close, so it cannot tell the two apart.
var localCloseErr = asyncerr.New(asyncerr.EndOfFile, nil)

func (c *Connection) closeNowLocked() {
	if c.closing || c.state == Closed {
		return // closeNow is idempotent, spec.md §8 invariant 5
	}
	c.closing = true
	c.state = Closed
	c.shut |= ShutRead | ShutWrite
	c.cancelTimers()
	if c.reg != nil {
		_ = c.reg.Unregister()
		c.reg = nil
	}
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		if c.shutdownSet != nil {
			c.shutdownSet.Remove(c.fd)
		}
		c.fd = -1
	}
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb.ConnectError(localCloseErr)
	}
	c.writeQ.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, localCloseErr)
	})
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		cb.EOF()
	}
}

// DetachFd extracts the descriptor and runs the closeNow cleanup
// without closing the fd itself; the caller takes ownership of the
// returned fd.
func (c *Connection) DetachFd() int {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if c.closing || c.state == Closed {
		return -1
	}
	fd := c.fd
	c.closing = true
	c.state = Closed
	c.shut |= ShutRead | ShutWrite
	c.cancelTimers()
	if c.reg != nil {
		_ = c.reg.Unregister()
		c.reg = nil
	}
	if c.shutdownSet != nil && fd >= 0 {
		c.shutdownSet.Remove(fd)
	}
	c.fd = -1
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb.ConnectError(localCloseErr)
	}
	c.writeQ.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, localCloseErr)
	})
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		cb.EOF()
	}
	return fd
}
