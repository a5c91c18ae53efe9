//go:build linux

package tlssocket

import (
	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/socket"
)

var localCloseErr = asyncerr.New(asyncerr.EndOfFile, nil)

// ShutdownWrite mirrors socket.Connection.ShutdownWrite: SHUT_WRITE is
// set once the queue drains. No TLS or TCP half-close is issued on the
// wire.
func (c *Connection) ShutdownWrite() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if c.state != Connecting && c.state != Accepting && c.state != Established {
		return
	}
	if c.writeQ.empty() {
		c.shut |= socket.ShutWrite
		if c.shut.Has(socket.ShutRead) {
			c.transitionClosedAfterDrain()
		}
		return
	}
	c.shut |= socket.ShutWritePending
}

// ShutdownWriteNow mirrors socket.Connection.ShutdownWriteNow, except
// that no half-close is issued on the wire.
func (c *Connection) ShutdownWriteNow() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if c.state != Connecting && c.state != Accepting && c.state != Established {
		return
	}
	c.shut = (c.shut &^ socket.ShutWritePending) | socket.ShutWrite
	c.writeQ.drain(func(w *writeRequest) {
		w.cb.WriteError(w.off, asyncerr.New(asyncerr.EndOfFile, nil))
	})
	c.rearm()
	if c.shut.Has(socket.ShutRead) {
		c.transitionClosedAfterDrain()
	}
}

// Close waits for queued writes to drain; CloseNow is unconditional.
// Both follow spec.md §4.1/§7's fixed callback-delivery order, reused
// here for the TLS overlay's own connect/write/read callback triples.
func (c *Connection) Close() {
	c.assertLoop()
	c.enter()
	defer c.leave()
	if (c.state == Connecting || c.state == Accepting || c.state == Established) && !c.writeQ.empty() {
		c.shut |= socket.ShutWritePending
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

func (c *Connection) closeNowLocked() {
	if c.closing || c.state == Closed {
		return
	}
	c.closing = true
	c.state = Closed
	c.shut |= socket.ShutRead | socket.ShutWrite
	c.teardownFD()
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb.ConnectError(localCloseErr)
	}
	c.writeQ.drain(func(w *writeRequest) {
		w.cb.WriteError(w.off, localCloseErr)
	})
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		cb.EOF()
	}
}
