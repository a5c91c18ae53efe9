//go:build linux

package socket

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/reactor"
)

// SetReadCallback implements spec.md §4.1's contract exactly.
func (c *Connection) SetReadCallback(cb ReadCallback) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	switch c.state {
	case Uninit:
		if cb != nil {
			cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
		}
		return
	case Closed, Error:
		if cb != nil {
			cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
		}
		// a null cb on an already shut-down socket is a no-op.
		return
	case Connecting:
		c.readCB = cb
		return
	case Established:
		if c.shut.Has(ShutRead) {
			if cb != nil {
				cb.ReadError(asyncerr.New(asyncerr.NotOpen, nil))
			}
			return
		}
		c.readCB = cb
		if cb == nil {
			c.disarmReadInterest()
		} else {
			c.armReadInterestLocked()
		}
	}
}

func (c *Connection) wantMask() reactor.EventMask {
	var mask reactor.EventMask
	if c.readCB != nil && !c.shut.Has(ShutRead) {
		mask |= reactor.Read
	}
	if !c.writeQ.empty() {
		mask |= reactor.Write
	}
	return mask
}

func (c *Connection) rearm() {
	mask := c.wantMask()
	if mask == 0 {
		if c.reg != nil {
			_ = c.reg.Unregister()
			c.reg = nil
		}
		return
	}
	if c.reg == nil {
		reg, err := c.re.Register(c.fd, mask, c)
		if err != nil {
			c.startFail(asyncerr.New(asyncerr.InternalError, err))
			return
		}
		c.reg = reg
		return
	}
	_ = c.reg.ChangeMask(mask)
}

func (c *Connection) armReadInterestLocked() {
	c.rearm()
	if peeker, ok := c.readCB.(ReadPeeker); ok && peeker.TryImmediateRead() {
		c.handleReadable()
	}
}

func (c *Connection) disarmReadInterest() {
	c.rearm()
}

func (c *Connection) armWriteInterestLocked() {
	c.rearm()
}

// handleReadable is the read loop of spec.md §4.1.
func (c *Connection) handleReadable() {
	for {
		if c.readCB == nil || c.shut.Has(ShutRead) {
			return
		}
		if c.opts.MaxReadsPerWake > 0 && c.readsDoneThisWake >= c.opts.MaxReadsPerWake {
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
		n, rerr := unix.Read(c.fd, buf)
		c.readsDoneThisWake++
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return
			}
			if rerr == unix.EINTR {
				continue
			}
			c.startFail(asyncerr.New(asyncerr.InternalError, rerr))
			return
		}
		if n == 0 {
			c.shut |= ShutRead
			c.disarmReadInterest()
			cb := c.readCB
			c.readCB = nil
			if cb != nil {
				cb.EOF()
			}
			return
		}
		atomic.AddUint64(&c.bytesRecv, uint64(n))
		cb := c.readCB
		cb.DataAvailable(n)
		// spec.md §9: re-check the callback pointer and owning
		// reactor after every DataAvailable return.
		if c.readCB != cb {
			return
		}
		if c.reg != reg {
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (c *Connection) readErrorAndStop(err *asyncerr.Error) {
	cb := c.readCB
	c.readCB = nil
	c.disarmReadInterest()
	if cb != nil {
		cb.ReadError(err)
	}
}
