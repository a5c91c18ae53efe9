package socket

import (
	"time"

	"github.com/nyan233/asyncsock/internal/rawio"
)

// Options configures a Connection's underlying fd at connect time,
// per spec.md §4.1/§6. Built with functional options the way the
// teacher's client_options.go/server_options.go build theirs.
type Options struct {
	BindAddr string

	ReuseAddr bool
	NoDelay   bool // defaults on unless explicitly turned off

	QuickAck    bool
	Congestion  string
	SendBuffer  int
	RecvBuffer  int
	Linger      *time.Duration

	// PreConnect hooks run, in order, after the other socket options
	// are applied and before the optional bind and connect(2) — the
	// replay mechanism spec.md §4.1 alludes to with
	// "applies caller options" (see SPEC_FULL.md's SUPPLEMENT section,
	// grounded in the original Thrift TAsyncSocket::connect).
	PreConnect []func(fd int) error

	ReadBufferCap   int // stored only; each recv uses the buffer ReadCallback.GetReadBuffer returns
	MaxReadsPerWake int // 0 = unbounded, per-event read cap of spec.md §4.1
	SendTimeout     time.Duration
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		NoDelay:         true,
		ReadBufferCap:   64 * 1024,
		MaxReadsPerWake: 16,
	}
}

// NewOptions builds an Options value from zero or more functional
// options, starting from the same defaults Connect falls back to when
// none are given at all.
func NewOptions(opts ...Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithBindAddr(addr string) Option { return func(o *Options) { o.BindAddr = addr } }
func WithReuseAddr(v bool) Option     { return func(o *Options) { o.ReuseAddr = v } }
func WithNoDelay(v bool) Option       { return func(o *Options) { o.NoDelay = v } }
func WithQuickAck(v bool) Option      { return func(o *Options) { o.QuickAck = v } }
func WithCongestion(name string) Option {
	return func(o *Options) { o.Congestion = name }
}
func WithSendBuffer(n int) Option { return func(o *Options) { o.SendBuffer = n } }
func WithRecvBuffer(n int) Option { return func(o *Options) { o.RecvBuffer = n } }
func WithLinger(d time.Duration) Option {
	return func(o *Options) { o.Linger = &d }
}
func WithPreConnect(f func(fd int) error) Option {
	return func(o *Options) { o.PreConnect = append(o.PreConnect, f) }
}
func WithReadBufferCap(n int) Option {
	return func(o *Options) { o.ReadBufferCap = n }
}
func WithMaxReadsPerWake(n int) Option {
	return func(o *Options) { o.MaxReadsPerWake = n }
}
func WithSendTimeout(d time.Duration) Option {
	return func(o *Options) { o.SendTimeout = d }
}

// sockOpts projects the fields rawio.ApplyConnectOptions needs, so
// rawio stays free of any dependency back on package socket.
func (o *Options) sockOpts() rawio.SockOpts {
	return rawio.SockOpts{
		ReuseAddr:  o.ReuseAddr,
		NoDelay:    o.NoDelay,
		QuickAck:   o.QuickAck,
		Congestion: o.Congestion,
		SendBuffer: o.SendBuffer,
		RecvBuffer: o.RecvBuffer,
		Linger:     o.Linger,
		PreConnect: o.PreConnect,
	}
}
