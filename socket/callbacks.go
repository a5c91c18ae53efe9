package socket

import "github.com/nyan233/asyncsock/asyncerr"

// ConnectCallback is notified exactly once per Connect call, per
// spec.md §3/§4.1.
type ConnectCallback interface {
	ConnectSuccess()
	ConnectError(err *asyncerr.Error)
}

// ReadCallback drives the read loop of spec.md §4.1: GetReadBuffer
// supplies somewhere to recv into, DataAvailable reports how much
// landed there, and exactly one of EOF/ReadError terminates the
// callback's lifetime on this connection.
type ReadCallback interface {
	GetReadBuffer() (buf []byte, err error)
	DataAvailable(n int)
	EOF()
	ReadError(err *asyncerr.Error)
}

// ReadPeeker is an optional capability a ReadCallback may also
// implement. When present, installing read-interest attempts one
// immediate, non-blocking read before returning control to the
// reactor — the "subclass override" spec.md §4.1 reserves for
// sockets (like the TLS overlay) that may already have buffered
// application data available without a fresh readiness notification.
type ReadPeeker interface {
	TryImmediateRead() bool
}

// WriteCallback is notified exactly once per enqueued write, in FIFO
// order relative to other writes on the same connection.
type WriteCallback interface {
	WriteSuccess()
	WriteError(bytesWritten int, err *asyncerr.Error)
}

// noopWriteCallback backs fire-and-forget writes (spec.md §3: "may be
// null if the caller is fire-and-forget").
type noopWriteCallback struct{}

func (noopWriteCallback) WriteSuccess()                                {}
func (noopWriteCallback) WriteError(int, *asyncerr.Error)              {}

var NoopWriteCallback WriteCallback = noopWriteCallback{}
