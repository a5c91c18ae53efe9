//go:build linux

package socket

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/internal/rawio"
)

// Write enqueues a single buffer. Write/Writev/WriteChain all funnel
// through Writev; "Chain" in the spec's vocabulary refers to an
// owned buffer-chain object this Go port represents simply as
// [][]byte, since Go's GC already gives every segment the "owning"
// lifetime the original's intrusive buffer chain existed to manage.
func (c *Connection) Write(cb WriteCallback, data []byte, cork, eor bool) {
	c.Writev(cb, [][]byte{data}, cork, eor)
}

func (c *Connection) Writev(cb WriteCallback, data [][]byte, cork, eor bool) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	if cb == nil {
		cb = NoopWriteCallback
	}
	if c.shut.Has(ShutWrite) || c.shut.Has(ShutWritePending) {
		// spec.md §4.1: "a write after shutdown is treated as a caller
		// bug" — the entire socket moves to ERROR.
		cb.WriteError(0, asyncerr.New(asyncerr.NotOpen, nil))
		c.startFail(asyncerr.New(asyncerr.NotOpen, nil))
		return
	}
	if c.state == Uninit || c.state == Closed || c.state == Error {
		cb.WriteError(0, asyncerr.New(asyncerr.NotOpen, nil))
		return
	}

	req := newWriteRequest(cb, data, cork, eor)

	if c.state == Connecting {
		c.writeQ.push(req)
		return
	}

	// ESTABLISHED with an empty queue: one synchronous sendmsg attempt.
	if c.writeQ.empty() {
		if !c.attemptSyncWrite(req) {
			// fatal: req's callback (and the rest of the now-drained
			// queue) already fired via finishFailRest. Touching req or
			// the queue again would double-deliver.
			return
		}
		if req.done() {
			return
		}
	} else {
		c.writeQ.push(req)
		return
	}

	c.writeQ.push(req)
	c.armWriteInterestLocked()
	c.restartSendTimer()
}

// WriteChain is an alias kept for parity with spec.md §3's naming;
// "chain" carries no extra semantics in this port (see Write/Writev).
func (c *Connection) WriteChain(cb WriteCallback, chain [][]byte, cork, eor bool) {
	c.Writev(cb, chain, cork, eor)
}

// attemptSyncWrite tries one sendmsg pass inline, per spec.md §4.1. It
// mutates req in place and, on EAGAIN/partial progress, leaves it
// ready to be pushed onto the queue by the caller. Returns false on a
// fatal error, meaning req's callback has already fired via
// finishFailRest and the caller must not touch req or the write queue
// again — the connection is in ERROR.
func (c *Connection) attemptSyncWrite(req *WriteRequest) bool {
	n, err := c.sendOne(req, c.writeQ.empty())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return true
		}
		req.cb.WriteError(req.written, asyncerr.New(asyncerr.InternalError, err))
		c.finishFailRest(asyncerr.New(asyncerr.InternalError, err))
		return false
	}
	req.advance(n)
	atomic.AddUint64(&c.bytesSent, uint64(n))
	if req.done() {
		req.cb.WriteSuccess()
	}
	return true
}

// sendOne issues exactly one sendmsg call for req's current unsent
// tail, applying the effective CORK flag per spec.md §4.1 ("OR CORK
// if more requests follow").
func (c *Connection) sendOne(req *WriteRequest, isOnlyRequest bool) (int, error) {
	iovs := req.iovecs(rawio.IovMax)
	if len(iovs) == 0 {
		return 0, nil
	}
	cork := req.cork || !isOnlyRequest
	flags := rawio.SendmsgFlags(cork, req.eor)
	return rawio.RawSendmsg(c.fd, iovs, flags)
}

// handleWritable is the write loop of spec.md §4.1.
func (c *Connection) handleWritable() {
	for !c.writeQ.empty() {
		reg := c.reg
		req := c.writeQ.head
		more := req.next != nil
		n, err := c.sendOne(req, !more)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			// fail the current request with its partial progress,
			// then finishFail drains the rest uniformly (spec.md §7).
			c.writeQ.popHead()
			req.cb.WriteError(req.written, asyncerr.New(asyncerr.InternalError, err))
			c.finishFailRest(asyncerr.New(asyncerr.InternalError, err))
			return
		}
		req.advance(n)
		atomic.AddUint64(&c.bytesSent, uint64(n))
		if !req.done() {
			c.restartSendTimer()
			return
		}
		c.writeQ.popHead()
		req.cb.WriteSuccess()
		if c.reg != reg {
			return
		}
	}
	c.cancelSendTimer()
	c.maybePromoteShutdownWritePending()
	c.rearm()
}

func (c *Connection) restartSendTimer() {
	c.cancelSendTimer()
	if c.opts.SendTimeout <= 0 {
		return
	}
	c.sendTimer = c.re.ScheduleTimeout(c.opts.SendTimeout, c.onSendTimeout)
}

func (c *Connection) cancelSendTimer() {
	if c.sendTimer != nil {
		c.sendTimer.Cancel()
		c.sendTimer = nil
	}
}

func (c *Connection) onSendTimeout() {
	c.enter()
	defer c.leave()
	if c.writeQ.empty() {
		return
	}
	req := c.writeQ.popHead()
	req.cb.WriteError(req.written, asyncerr.New(asyncerr.TimedOut, nil))
	c.finishFailRest(asyncerr.New(asyncerr.TimedOut, nil))
}

// finishFailRest drains whatever is left in the write queue with a
// uniform error, the "fail one and continue" variant of spec.md §7.
func (c *Connection) finishFailRest(err *asyncerr.Error) {
	c.writeQ.drain(func(w *WriteRequest) {
		w.cb.WriteError(w.written, err)
	})
	c.startFail(err)
}

// maybePromoteShutdownWritePending implements spec.md §4.1's
// "after the last queued request completes" clause.
func (c *Connection) maybePromoteShutdownWritePending() {
	if !c.writeQ.empty() || !c.shut.Has(ShutWritePending) {
		return
	}
	c.shut = (c.shut &^ ShutWritePending) | ShutWrite
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
	if c.shut.Has(ShutRead) {
		c.transitionClosedAfterDrain()
	}
}

func (c *Connection) transitionClosedAfterDrain() {
	c.state = Closed
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
}
