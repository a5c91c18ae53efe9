//go:build linux

package tlssocket

import (
	"io"
	"sync/atomic"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/socket"
)

// SetReadCallback mirrors socket.Connection.SetReadCallback's contract
// (spec.md §4.1), applied to decrypted application data.
func (c *Connection) SetReadCallback(cb socket.ReadCallback) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	switch c.state {
	case Uninit:
		if cb != nil {
			cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
		}
	case Closed, Error, RemoteClosed:
		if cb != nil {
			cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
		}
	case Connecting, Accepting:
		c.readCB = cb
	case Established:
		if c.shut.Has(socket.ShutRead) {
			if cb != nil {
				cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
			}
			return
		}
		c.readCB = cb
		if cb == nil {
			c.rearm()
		} else {
			c.armReadInterest()
		}
	}
}

// armReadInterest is the TLS overlay's immediate-read override: a TLS
// socket may already hold decrypted application bytes the engine
// buffered internally from the last raw read, so it always attempts one
// immediate decrypt before waiting on the reactor. It does not consult
// socket.ReadPeeker.
func (c *Connection) armReadInterest() {
	c.rearm()
	c.handleReadable()
}

func (c *Connection) handleReadable() {
	for {
		if c.readCB == nil || c.shut.Has(socket.ShutRead) {
			return
		}
		reg := c.reg
		buf, err := c.readCB.GetReadBuffer()
		if err != nil {
			c.readErrorAndStop(asyncerr.New(asyncerr.BadArgs, err))
			return
		}
		if len(buf) == 0 {
			c.readErrorAndStop(asyncerr.New(asyncerr.BadArgs, nil))
			return
		}

		n, w, err := c.eng.read(buf)
		if err != nil {
			if err == io.EOF {
				c.shut |= socket.ShutRead
				c.state = RemoteClosed
				cb := c.readCB
				c.readCB = nil
				c.rearm()
				if cb != nil {
					cb.EOF()
				}
				return
			}
			c.readErrorAndStop(classifyTLSError(c.isServer, err))
			return
		}
		if n == 0 {
			if w == wantWrite {
				// A read that needs to write means the engine tried to
				// emit a handshake message unprompted by any queued
				// write — spec.md §4.2 treats any post-handshake
				// want-write surfacing on the read path as a
				// renegotiation attempt, not ordinary write backpressure.
				c.startFail(c.renegotiationDetected())
				return
			}
			if w != wantNone {
				c.pendingWant = wantToMask(w)
				c.rearm()
			}
			return
		}

		c.pendingWant = 0
		atomic.AddUint64(&c.bytesRecv, uint64(n))
		cb := c.readCB
		cb.DataAvailable(n)
		if c.readCB != cb {
			return
		}
		if c.reg != reg {
			return
		}
	}
}

func (c *Connection) readErrorAndStop(err *asyncerr.Error) {
	cb := c.readCB
	c.readCB = nil
	c.rearm()
	if cb != nil {
		cb.ReadError(err)
	}
}
