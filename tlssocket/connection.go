//go:build linux

// Package tlssocket implements the TLS Overlay of spec.md §4.2: a
// non-blocking TLS handshake and record layer driven by the same
// reactor that drives the plain Async Socket (package socket), using
// github.com/lesismal/llib/std/crypto/tls as the non-blocking-capable
// engine. Connection composes a *socket.Connection for the plain-TCP
// bootstrap phase (client dial) and detaches its fd once the TCP
// handshake completes, taking over raw I/O itself from then on — the
// TLS record layer needs every byte to pass through the engine, which
// a socket.Connection's own read/write loop doesn't know how to do.
package tlssocket

import (
	"crypto/x509"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	lltls "github.com/lesismal/llib/std/crypto/tls"
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
	"github.com/nyan233/asyncsock/socket"
	"github.com/nyan233/asyncsock/tlsctx"
)

// Connection is one TLS Overlay instance, spec.md §4.2.
type Connection struct {
	re  reactor.Reactor
	reg reactor.Registration
	log logger.LLogger

	fd    int
	state State
	shut  socket.ShutFlag

	ctx      *tlsctx.Context
	eng      *engine
	isServer bool

	connectCB socket.ConnectCallback
	readCB    socket.ReadCallback
	writeQ    writeQueue

	// pendingWant is the extra reactor interest the engine asked for
	// the last time a handshake/read/write step returned EAGAIN; OR'd
	// into desiredMask() until the next successful step clears it.
	pendingWant reactor.EventMask

	// appEorByteNo/minEorRawByteNo mirror spec.md §4.2's EOR bookkeeping:
	// appEorByteNo is the plaintext offset the caller marked EOR at,
	// minEorRawByteNo the raw ciphertext offset reached once that write
	// finished — rawByteNo is the live raw-byte counter fdConn maintains
	// as it calls sendmsg with MSG_EOR on the crossing write (engine.go's
	// armEOR/rawBytesWritten).
	appEorByteNo    int
	minEorRawByteNo int
	rawByteNo       int

	bytesSent uint64
	bytesRecv uint64

	guard   int
	closing bool

	shutdownSet *socket.ShutdownSet
}

// New constructs a Uninit Connection bound to re.
func New(re reactor.Reactor, log logger.LLogger) *Connection {
	if log == nil {
		log = logger.DefaultLogger
	}
	return &Connection{re: re, log: log, fd: -1, state: Uninit}
}

func (c *Connection) AttachShutdownSet(s *socket.ShutdownSet) { c.shutdownSet = s }

func (c *Connection) enter() { c.guard++ }
func (c *Connection) leave() { c.guard-- }

func (c *Connection) inLoop() bool { return c.re.IsInLoopThread() }
func (c *Connection) assertLoop() {
	if !c.inLoop() {
		c.log.Panic("tlssocket: API called off the reactor's own goroutine")
	}
}

func (c *Connection) State() State         { return c.state }
func (c *Connection) Fd() int              { return c.fd }
func (c *Connection) BytesSent() uint64    { return atomic.LoadUint64(&c.bytesSent) }
func (c *Connection) BytesReceived() uint64 { return atomic.LoadUint64(&c.bytesRecv) }

// ConnectionState, PeerCertificate, NegotiatedProtocol, and
// NegotiatedCipherSuiteName are the accessor methods the SUPPLEMENT
// section grounds in the original source's getSSLCert/getPeerCert/
// getCipherSuiteName.
func (c *Connection) ConnectionState() lltls.ConnectionState { return c.eng.connectionState() }

func (c *Connection) PeerCertificate() *x509.Certificate {
	cs := c.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	return cs.PeerCertificates[0]
}

func (c *Connection) NegotiatedProtocol() string { return c.eng.negotiatedProtocol() }

func (c *Connection) NegotiatedCipherSuiteName() string {
	return lltls.CipherSuiteName(c.ConnectionState().CipherSuite)
}

// EORBoundary reports the bookkeeping spec.md §4.2 describes for
// crossing an application-marked EOR write into raw wire bytes.
func (c *Connection) EORBoundary() (appByte, minRawByte int) {
	return c.appEorByteNo, c.minEorRawByteNo
}

// SwitchServerSSLContext replaces the Context this Connection holds.
// Accept overwrites it with its own ctx argument and builds the engine
// from that argument, and an engine already built is not reconfigured,
// so this call does not change the configuration a handshake uses. The
// in-handshake SNI switch runs through tlsctx.Context.resolveClientHello.
func (c *Connection) SwitchServerSSLContext(ctx *tlsctx.Context) { c.ctx = ctx }

// Connect dials network/address in plain TCP via an inner
// socket.Connection, then takes over the fd to drive a TLS client
// handshake, per spec.md §4.2's Connecting state.
func (c *Connection) Connect(network, address string, timeout time.Duration, ctx *tlsctx.Context, cb socket.ConnectCallback, opts ...socket.Options) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	if c.state != Uninit {
		if cb != nil {
			cb.ConnectError(asyncerr.New(asyncerr.AlreadyOpen, nil))
		}
		return
	}
	if ctx == nil {
		if cb != nil {
			cb.ConnectError(asyncerr.New(asyncerr.BadArgs, errors.New("tlssocket: nil Context")))
		}
		return
	}
	c.ctx = ctx
	c.connectCB = cb
	c.isServer = false
	c.state = Connecting

	inner := socket.New(c.re, c.log)
	if c.shutdownSet != nil {
		inner.AttachShutdownSet(c.shutdownSet)
	}
	inner.Connect(network, address, timeout, &tcpBootstrapCB{c: c, inner: inner}, opts...)
}

// tcpBootstrapCB adapts the inner plain-TCP connect's callback to this
// Connection's handshake startup.
type tcpBootstrapCB struct {
	c     *Connection
	inner *socket.Connection
}

func (b *tcpBootstrapCB) ConnectSuccess() {
	c := b.c
	fd := b.inner.DetachFd()
	if fd < 0 {
		c.failConnect(asyncerr.New(asyncerr.InternalError, errors.New("tlssocket: detachFd failed")))
		return
	}
	c.fd = fd
	if c.shutdownSet != nil {
		c.shutdownSet.Add(fd)
	}
	c.eng = newClientEngine(fd, c.ctx.Config())
	reg, err := c.re.Register(fd, reactor.Write, c)
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	c.reg = reg
	c.driveHandshake()
}

func (b *tcpBootstrapCB) ConnectError(err *asyncerr.Error) {
	b.c.failConnect(err)
}

// Accept takes ownership of an already TCP-connected raw fd (from a
// listener outside this module's scope, per spec.md §1) and drives a
// server-side TLS handshake on it, per spec.md §4.2's Accepting state.
func (c *Connection) Accept(fd int, ctx *tlsctx.Context, cb socket.ConnectCallback) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	if c.state != Uninit {
		if cb != nil {
			cb.ConnectError(asyncerr.New(asyncerr.AlreadyOpen, nil))
		}
		return
	}
	if ctx == nil {
		if cb != nil {
			cb.ConnectError(asyncerr.New(asyncerr.BadArgs, errors.New("tlssocket: nil Context")))
		}
		return
	}
	c.ctx = ctx
	c.connectCB = cb
	c.isServer = true
	c.fd = fd
	c.state = Accepting
	if c.shutdownSet != nil {
		c.shutdownSet.Add(fd)
	}

	c.eng = newServerEngine(fd, ctx.Config(), func(buf []byte) bool {
		info, done := tryParseClientHello(buf)
		if info != nil {
			ctx.InvokeObservers(info)
		}
		return done
	})
	reg, err := c.re.Register(fd, reactor.Read, c)
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	c.reg = reg
	c.driveHandshake()
}

// driveHandshake runs one non-blocking Handshake() attempt and either
// finishes the Connecting/Accepting transition or rearms the reactor
// for whichever direction the engine said it needs next.
func (c *Connection) driveHandshake() {
	w, err := c.eng.handshake()
	if err != nil {
		c.failConnect(classifyTLSError(c.isServer, err))
		return
	}
	if w == wantNone {
		c.onHandshakeDone()
		return
	}
	c.pendingWant = wantToMask(w)
	c.rearm()
}

func (c *Connection) onHandshakeDone() {
	c.state = Established
	c.pendingWant = 0
	cb := c.connectCB
	c.connectCB = nil
	if cb != nil {
		cb.ConnectSuccess()
	}
	if c.readCB != nil {
		c.armReadInterest()
	} else {
		c.rearm()
	}
}

func (c *Connection) failConnect(err *asyncerr.Error) {
	c.state = Error
	c.shut = socket.ShutRead | socket.ShutWrite
	c.teardownFD()
	cb := c.connectCB
	c.connectCB = nil
	if cb != nil {
		cb.ConnectError(err)
	}
}

func (c *Connection) teardownFD() {
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

// IOReady implements reactor.Handler.
func (c *Connection) IOReady(mask reactor.EventMask) {
	c.enter()
	defer c.leave()

	if c.state == Connecting || c.state == Accepting {
		c.driveHandshake()
		return
	}
	if c.state != Established {
		return
	}
	originalReg := c.reg
	if mask.Has(reactor.Write) {
		c.handleWritable()
	}
	if c.reg != originalReg {
		return
	}
	if mask.Has(reactor.Read) {
		c.handleReadable()
	}
}

func wantToMask(w want) reactor.EventMask {
	switch w {
	case wantRead:
		return reactor.Read
	case wantWrite:
		return reactor.Write
	default:
		return 0
	}
}

// desiredMask combines steady-state interest (readCB armed, non-empty
// write queue) with whatever the engine last asked for via pendingWant.
func (c *Connection) desiredMask() reactor.EventMask {
	var mask reactor.EventMask
	if c.readCB != nil && !c.shut.Has(socket.ShutRead) {
		mask |= reactor.Read
	}
	if !c.writeQ.empty() {
		mask |= reactor.Write
	}
	return mask | c.pendingWant
}

func (c *Connection) rearm() {
	mask := c.desiredMask()
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

// classifyTLSError maps a fatal engine error onto spec.md §7's Kind
// set, tagging renegotiation attempts with their pseudo-errno (§6).
// llib doesn't export a distinguishable renegotiation error type, so
// this (like the upstream C++ original's string-matched OpenSSL error
// queue inspection) classifies by message text.
func classifyTLSError(isServer bool, err error) *asyncerr.Error {
	if err == io.EOF {
		return asyncerr.New(asyncerr.EndOfFile, nil)
	}
	if strings.Contains(err.Error(), "no renegotiation") || strings.Contains(err.Error(), "renegotiation") {
		if isServer {
			return asyncerr.WithErrno(asyncerr.InternalError, asyncerr.ClientRenegotiationAttempt, err)
		}
		return asyncerr.WithErrno(asyncerr.InternalError, asyncerr.InvalidRenegotiation, err)
	}
	return asyncerr.New(asyncerr.InternalError, err)
}

// renegotiationDetected builds the error startFail delivers when a
// read step surfaces a want-write after the handshake has already
// completed — this engine never initiates renegotiation itself, so
// the only source of such a signal is the peer attempting one.
func (c *Connection) renegotiationDetected() *asyncerr.Error {
	err := errors.New("tlssocket: unexpected want-write on read path, treating as renegotiation attempt")
	if c.isServer {
		return asyncerr.WithErrno(asyncerr.InternalError, asyncerr.ClientRenegotiationAttempt, err)
	}
	return asyncerr.WithErrno(asyncerr.InternalError, asyncerr.InvalidRenegotiation, err)
}

func (c *Connection) startFail(err *asyncerr.Error) {
	if c.state == Error || c.state == Closed {
		return
	}
	c.state = Error
	c.shut |= socket.ShutRead | socket.ShutWrite
	c.teardownFD()
	c.finishFail(err)
}

func (c *Connection) finishFail(err *asyncerr.Error) {
	if cb := c.connectCB; cb != nil {
		c.connectCB = nil
		cb.ConnectError(err)
	}
	c.writeQ.drain(func(w *writeRequest) {
		w.cb.WriteError(w.off, err)
	})
	if cb := c.readCB; cb != nil {
		c.readCB = nil
		cb.ReadError(err)
	}
}
