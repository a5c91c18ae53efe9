//go:build linux

// Package socket implements the Async Socket of spec.md §3/§4.1: a
// non-blocking TCP (or Unix-domain) connection driven by a reactor,
// with vectored writes, a write-request FIFO, and callback-based
// completion for connect/read/write. It is the base layer tlssocket
// overlays with a TLS handshake.
package socket

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/asyncerr"
	"github.com/nyan233/asyncsock/internal/rawio"
	"github.com/nyan233/asyncsock/logger"
	"github.com/nyan233/asyncsock/reactor"
)

// Connection is one Async Socket instance, spec.md §3.
type Connection struct {
	mu sync.Mutex // taken by State/setState; the byte counters behind
	// BytesSent/BytesReceived use atomics instead.

	re  reactor.Reactor
	reg reactor.Registration
	log logger.LLogger

	fd     int
	state  State
	shut   ShutFlag
	remote net.Addr

	connectCB ConnectCallback
	readCB    ReadCallback
	writeQ    writeQueue

	opts Options

	sendTimer   reactor.Timer
	connectTime reactor.Timer

	bytesSent uint64
	bytesRecv uint64

	guard int // re-entrancy counter, spec.md §5/§9

	shutdownSet *ShutdownSet

	// readsDoneThisWake caps spec.md §4.1's "per-event read cap".
	readsDoneThisWake int

	closing bool // true once closeNow's cleanup has started/finished
}

// New constructs an UNINIT Connection bound to re. log may be nil to
// use logger.DefaultLogger.
func New(re reactor.Reactor, log logger.LLogger) *Connection {
	if log == nil {
		log = logger.DefaultLogger
	}
	return &Connection{re: re, log: log, fd: -1, state: Uninit}
}

// NewFromAcceptedFD wraps an fd a listener (out of this module's
// scope, per spec.md §1) has already accepted and connected at the
// TCP level, placing the Connection straight into ESTABLISHED. This
// is the server-side counterpart to Connect (cmd/echo uses it for the
// fds its listener accepts). tlssocket.Accept does not go through it:
// it takes the raw fd directly.
func NewFromAcceptedFD(fd int, re reactor.Reactor, log logger.LLogger) *Connection {
	c := New(re, log)
	c.fd = fd
	c.state = Established
	return c
}

// AttachShutdownSet registers this connection with a ShutdownSet; see
// spec.md §5's "ShutdownSocketSet" collaborator.
func (c *Connection) AttachShutdownSet(s *ShutdownSet) {
	c.shutdownSet = s
}

func (c *Connection) enter() { c.guard++ }

// leave decrements the re-entrancy counter that enter increments.
// Nothing reads the counter: destruction is never deferred, and a
// close/closeNow issued from inside a callback takes effect at once;
// the read and write loops re-check readCB and the registration after
// every callback instead.
func (c *Connection) leave() {
	c.guard--
}

func (c *Connection) inLoop() bool { return c.re.IsInLoopThread() }

func (c *Connection) assertLoop() {
	if !c.inLoop() {
		c.log.Panic("socket: API called off the reactor's own goroutine")
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// BytesSent/BytesReceived are the application-byte counters of
// spec.md §3.
func (c *Connection) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}
func (c *Connection) BytesReceived() uint64 {
	return atomic.LoadUint64(&c.bytesRecv)
}

// Fd returns the raw descriptor, -1 when absent.
func (c *Connection) Fd() int { return c.fd }

// RemoteAddr returns the remote address once connecting has begun.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// IOReady implements reactor.Handler.
func (c *Connection) IOReady(mask reactor.EventMask) {
	c.enter()
	defer c.leave()

	c.readsDoneThisWake = 0
	originalReg := c.reg

	if c.state == Connecting {
		c.handleConnectReady()
		return
	}

	// spec.md §5: writes before reads in the same wakeup, unless write
	// processing moved the connection to a different reactor/registration.
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

// Connect implements spec.md §4.1's connect(). Permitted only in
// UNINIT.
func (c *Connection) Connect(network, address string, timeout time.Duration, cb ConnectCallback, opts ...Options) {
	c.assertLoop()
	c.enter()
	defer c.leave()

	if c.state != Uninit {
		if cb != nil {
			cb.ConnectError(asyncerr.New(asyncerr.AlreadyOpen, nil))
		}
		return
	}
	o := defaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}
	c.opts = o
	c.connectCB = cb

	ra, err := rawio.ResolveAddr(network, address)
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	c.remote = ra.NetAddr()
	family := ra.Family()

	fd, err := rawio.NewNonblockingSocket(family)
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	c.fd = fd
	_ = rawio.DisableSigpipe(fd)
	if c.shutdownSet != nil {
		c.shutdownSet.Add(fd)
	}

	if err := rawio.ApplyConnectOptions(fd, family, c.opts.sockOpts()); err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	if err := rawio.BindLocal(fd, c.opts.BindAddr, ra); err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}

	sa, err := ra.Sockaddr()
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}

	c.state = Connecting
	err = unix.Connect(fd, sa)
	if err == nil {
		c.onConnectEstablished()
		return
	}
	if err == unix.EINPROGRESS || err == unix.EALREADY {
		reg, rerr := c.re.Register(fd, reactor.Write, c)
		if rerr != nil {
			c.failConnect(asyncerr.New(asyncerr.InternalError, rerr))
			return
		}
		c.reg = reg
		if timeout > 0 {
			c.connectTime = c.re.ScheduleTimeout(timeout, c.onConnectTimeout)
		}
		return
	}
	c.failConnect(asyncerr.New(asyncerr.InternalError, err))
}

// handleConnectReady runs when the writable registration armed during
// a pending connect() fires; it checks SO_ERROR to tell a completed
// connect from a failed one, per spec.md §4.1.
func (c *Connection) handleConnectReady() {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		c.failConnect(asyncerr.New(asyncerr.InternalError, err))
		return
	}
	if errno != 0 {
		c.failConnect(asyncerr.WithErrno(asyncerr.InternalError, errno, unix.Errno(errno)))
		return
	}
	if c.reg != nil {
		_ = c.reg.Unregister()
		c.reg = nil
	}
	c.onConnectEstablished()
}

func (c *Connection) onConnectTimeout() {
	c.enter()
	defer c.leave()
	if c.state != Connecting {
		return
	}
	c.failConnect(asyncerr.New(asyncerr.TimedOut, nil))
}

func (c *Connection) failConnect(err *asyncerr.Error) {
	c.state = Error
	c.shut = ShutRead | ShutWrite
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
	cb := c.connectCB
	c.connectCB = nil
	if cb != nil {
		cb.ConnectError(err)
	}
}

func (c *Connection) onConnectEstablished() {
	c.state = Established
	c.cancelTimers()
	cb := c.connectCB
	c.connectCB = nil
	if cb != nil {
		cb.ConnectSuccess()
	}
	// a read callback may have been stashed while CONNECTING
	// (spec.md §4.1's setReadCallback contract); arm it now.
	if c.readCB != nil {
		c.armReadInterestLocked()
	}
	if !c.writeQ.empty() {
		c.armWriteInterestLocked()
	}
}

func (c *Connection) cancelTimers() {
	if c.connectTime != nil {
		c.connectTime.Cancel()
		c.connectTime = nil
	}
	if c.sendTimer != nil {
		c.sendTimer.Cancel()
		c.sendTimer = nil
	}
}
