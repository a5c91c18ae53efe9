//go:build linux

package tlssocket

import (
	"bytes"
	"math"
	"net"
	"time"

	lltls "github.com/lesismal/llib/std/crypto/tls"
	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/internal/rawio"
)

// maxRecordOverheadRatio upper-bounds how much a TLS record's ciphertext
// can expand past its plaintext: a 5-byte record header plus worst-case
// block-cipher padding and MAC. Used to pick a raw-byte threshold that
// is guaranteed to be reached at or before the real last byte of an
// EOR-marked write, so fdConn.Write can flag MSG_EOR on the right call.
const maxRecordOverheadRatio = 1.25

// want classifies why the TLS engine's last operation didn't make
// progress, spec.md §4.2's want-read/want-write contract.
type want int

const (
	wantNone want = iota
	wantRead
	wantWrite
)

// fdConn adapts a raw non-blocking fd to net.Conn so lltls.Conn can
// drive it directly. This is the same trick nbio's TLS extension and
// gnet-style reactors use to hand a non-blocking fd to a net.Conn-
// shaped library: llib's crypto/tls fork is built to recognize
// EAGAIN/EWOULDBLOCK surfacing from Read/Write and return it to the
// caller instead of blocking, which is exactly what this adapter
// reports.
type fdConn struct {
	fd int

	lastWant want

	// rawByteNo counts actual bytes handed to sendmsg on the wire —
	// ciphertext, not the plaintext the engine above it deals in.
	// eorThreshold is the raw-byte point an in-flight EOR-marked write
	// must cross before a Write call may carry MSG_EOR; -1 when unarmed.
	rawByteNo    int
	eorThreshold int

	// snoop mirrors the first bytes read, server-side, until the raw
	// ClientHello parse (clienthello.go) has run once. It never affects
	// what lltls sees — only a passive tap.
	snoop      *bytes.Buffer
	snoopArmed bool
	snoopDone  bool
	onSnoop    func([]byte) bool // returns true once fully parsed
}

func (c *fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			c.lastWant = wantRead
			return 0, unix.EAGAIN
		}
		return 0, err
	}
	if n == 0 {
		return 0, net.ErrClosed
	}
	c.lastWant = wantNone
	if c.snoopArmed && !c.snoopDone {
		c.snoop.Write(p[:n])
		if c.onSnoop(c.snoop.Bytes()) {
			c.snoopDone = true
		}
	}
	return n, nil
}

// armEOR sets the raw-byte threshold the next Write call(s) must reach
// before MSG_EOR gets asserted, ahead of handing an EOR-marked
// plaintext write down to the engine. plaintextLen is the remaining
// plaintext about to go in; maxRecordOverheadRatio bounds how much
// larger the ciphertext it turns into can be, so the threshold is
// always reached at or before the call that actually finishes it.
func (c *fdConn) armEOR(plaintextLen int) {
	c.eorThreshold = c.rawByteNo + int(math.Ceil(float64(plaintextLen)*maxRecordOverheadRatio))
}

func (c *fdConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := p[total:]
		eorNow := c.eorThreshold >= 0 && c.rawByteNo+len(chunk) >= c.eorThreshold
		n, err := rawio.RawSendmsg(c.fd, [][]byte{chunk}, rawio.SendmsgFlags(false, eorNow))
		if n > 0 {
			total += n
			c.rawByteNo += n
			if c.eorThreshold >= 0 && c.rawByteNo >= c.eorThreshold {
				c.eorThreshold = -1
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				c.lastWant = wantWrite
				return total, unix.EAGAIN
			}
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	c.lastWant = wantNone
	return total, nil
}

func (c *fdConn) Close() error                     { return nil } // fd lifetime owned by Connection
func (c *fdConn) LocalAddr() net.Addr              { return nil }
func (c *fdConn) RemoteAddr() net.Addr             { return nil }
func (c *fdConn) SetDeadline(time.Time) error      { return nil } // timing is the reactor's job
func (c *fdConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(time.Time) error { return nil }

// engine wraps one lltls.Conn and the fdConn feeding it, translating
// its EAGAIN-surfacing contract into the want-read/want-write signal
// the Connection state machine arms its reactor registration with.
type engine struct {
	conn *lltls.Conn
	fc   *fdConn
}

func newClientEngine(fd int, cfg *lltls.Config) *engine {
	fc := &fdConn{fd: fd, eorThreshold: -1}
	return &engine{conn: lltls.Client(fc, cfg), fc: fc}
}

func newServerEngine(fd int, cfg *lltls.Config, onSnoop func([]byte) bool) *engine {
	fc := &fdConn{fd: fd, eorThreshold: -1}
	if onSnoop != nil {
		fc.snoop = &bytes.Buffer{}
		fc.snoopArmed = true
		fc.onSnoop = onSnoop
	}
	return &engine{conn: lltls.Server(fc, cfg), fc: fc}
}

// handshake drives one non-blocking Handshake() attempt. A nil error
// with wantNone means the handshake finished; a nil error with
// wantRead/wantWrite means try again once that readiness condition
// fires; a non-nil error is fatal.
func (e *engine) handshake() (w want, err error) {
	err = e.conn.Handshake()
	if err == nil {
		return wantNone, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return e.fc.lastWant, nil
	}
	return wantNone, err
}

func (e *engine) read(p []byte) (n int, w want, err error) {
	n, err = e.conn.Read(p)
	if err == nil {
		return n, wantNone, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, e.fc.lastWant, nil
	}
	return n, wantNone, err
}

// write encrypts and sends p. When eor is true, the lower-transport
// writer (fdConn) is armed to assert MSG_EOR on the sendmsg call that
// crosses into this write's ciphertext, spec.md §4.2's EOR-over-TLS
// propagation.
func (e *engine) write(p []byte, eor bool) (n int, w want, err error) {
	if eor {
		e.fc.armEOR(len(p))
	}
	n, err = e.conn.Write(p)
	if err == nil {
		return n, wantNone, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, e.fc.lastWant, nil
	}
	return n, wantNone, err
}

// rawBytesWritten reports the number of raw ciphertext bytes actually
// handed to sendmsg so far, the true wire offset spec.md §4.2's EOR
// bookkeeping needs — distinct from the plaintext byte counts write()
// returns.
func (e *engine) rawBytesWritten() int { return e.fc.rawByteNo }

func (e *engine) connectionState() lltls.ConnectionState {
	return e.conn.ConnectionState()
}

// negotiatedProtocol implements spec.md §4.2's accessor for the
// NPN/ALPN result the weighted selection (tlsctx.Context.pickAdvertised)
// fed into the handshake.
func (e *engine) negotiatedProtocol() string {
	return e.connectionState().NegotiatedProtocol
}
