//go:build linux

package socket

import (
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
)

// startFail is phase one of spec.md §7's two-phase failure protocol:
// move to ERROR, shut both directions, unregister, cancel timers,
// close the fd. After this point no new I/O is accepted.
func (c *Connection) startFail(err *asyncerr.Error) {
	if c.state == Error || c.state == Closed {
		return
	}
	c.state = Error
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
	c.finishFail(err)
}

// finishFail is phase two: deliver, in fixed order, the pending
// connect callback, every queued write callback in FIFO order with
// its per-request bytes-written count, then the read callback.
func (c *Connection) finishFail(err *asyncerr.Error) {
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb.ConnectError(err)
	}
	c.writeQ.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, err)
	})
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		cb.ReadError(err)
	}
}
