//go:build linux

package tlssocket

import (
	"sync/atomic"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/socket"
)

// Write enqueues one plaintext buffer for encryption and send, the
// TLS-overlay counterpart to socket.Connection.Write. eor marks the
// application-level end-of-record boundary spec.md §4.2 tracks via
// appEorByteNo/minEorRawByteNo; see EORBoundary.
func (c *Connection) Write(cb socket.WriteCallback, data []byte, eor bool) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	if cb == nil {
		cb = socket.NoopWriteCallback
	}

	if c.state == Uninit {
		// spec.md §4.2's early-write protection: writing before
		// Connect/Accept has even been called is a distinct caller bug
		// from writing after a already-shut-down overlay.
		cb.WriteError(0, asyncerr.WithErrno(asyncerr.NotOpen, asyncerr.EarlyWrite, nil))
		return
	}
	if c.shut.Has(socket.ShutWrite) {
		cb.WriteError(0, asyncerr.New(asyncerr.NotOpen, nil))
		c.startFail(asyncerr.New(asyncerr.NotOpen, nil))
		return
	}
	if c.state == Closed || c.state == Error {
		cb.WriteError(0, asyncerr.New(asyncerr.NotOpen, nil))
		return
	}

	req := newWriteRequest(cb, data, eor)
	if eor {
		c.appEorByteNo += len(data)
	}

	if c.state != Established {
		// queued until the handshake completes (Connecting/Accepting).
		c.writeQ.push(req)
		return
	}

	if c.writeQ.empty() {
		if !c.attemptSyncWrite(req) {
			// fatal: req's callback (and the rest of the drained queue)
			// already fired via finishFailRest.
			return
		}
		if req.done() {
			if eor {
				c.minEorRawByteNo = c.rawByteNo
			}
			return
		}
	}
	c.writeQ.push(req)
	c.rearm()
}

// attemptSyncWrite returns false on a fatal engine error, meaning
// req's callback has already fired via finishFailRest and the caller
// must not touch req or the write queue again.
func (c *Connection) attemptSyncWrite(req *writeRequest) bool {
	n, w, err := c.eng.write(req.data[req.off:], req.eor)
	if err != nil {
		req.cb.WriteError(req.off, classifyTLSError(c.isServer, err))
		c.finishFailRest(classifyTLSError(c.isServer, err))
		return false
	}
	req.off += n
	c.rawByteNo = c.eng.rawBytesWritten()
	atomic.AddUint64(&c.bytesSent, uint64(n))
	if req.done() {
		req.cb.WriteSuccess()
		return true
	}
	if w != wantNone {
		c.pendingWant = wantToMask(w)
	}
	return true
}

func (c *Connection) handleWritable() {
	for !c.writeQ.empty() {
		reg := c.reg
		req := c.writeQ.head
		n, w, err := c.eng.write(req.data[req.off:], req.eor)
		if err != nil {
			c.writeQ.popHead()
			req.cb.WriteError(req.off, classifyTLSError(c.isServer, err))
			c.finishFailRest(classifyTLSError(c.isServer, err))
			return
		}
		req.off += n
		c.rawByteNo = c.eng.rawBytesWritten()
		atomic.AddUint64(&c.bytesSent, uint64(n))
		if !req.done() {
			if w != wantNone {
				c.pendingWant = wantToMask(w)
				c.rearm()
			}
			return
		}
		c.pendingWant = 0
		c.writeQ.popHead()
		if req.eor {
			c.minEorRawByteNo = c.rawByteNo
		}
		req.cb.WriteSuccess()
		if c.reg != reg {
			return
		}
	}
	c.maybePromoteShutdownWritePending()
	c.rearm()
}

func (c *Connection) finishFailRest(err *asyncerr.Error) {
	c.writeQ.drain(func(w *writeRequest) {
		w.cb.WriteError(w.off, err)
	})
	c.startFail(err)
}

func (c *Connection) maybePromoteShutdownWritePending() {
	if !c.writeQ.empty() || !c.shut.Has(socket.ShutWritePending) {
		return
	}
	c.shut = (c.shut &^ socket.ShutWritePending) | socket.ShutWrite
	if c.shut.Has(socket.ShutRead) {
		c.transitionClosedAfterDrain()
	}
}

func (c *Connection) transitionClosedAfterDrain() {
	c.state = Closed
	c.teardownFD()
}
