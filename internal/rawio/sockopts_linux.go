//go:build linux

// Package rawio centralizes the non-blocking socket syscalls both
// package socket and package tlssocket need (address resolution,
// socket creation, connect-time sockopts, and vectored sendmsg), so
// neither has to duplicate the other's raw unix.* calls and tlssocket
// never has to import package socket just to reuse them.
package rawio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ResolvedAddr captures enough to build a unix.Sockaddr for either a
// TCP or a Unix-domain destination.
type ResolvedAddr struct {
	Network string // "tcp" or "unix"
	TCP     *net.TCPAddr
	Unix    *net.UnixAddr
}

func ResolveAddr(network, address string) (ResolvedAddr, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		a, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return ResolvedAddr{}, err
		}
		return ResolvedAddr{Network: "tcp", TCP: a}, nil
	case "unix":
		a, err := net.ResolveUnixAddr(network, address)
		if err != nil {
			return ResolvedAddr{}, err
		}
		return ResolvedAddr{Network: "unix", Unix: a}, nil
	default:
		return ResolvedAddr{}, unix.EAFNOSUPPORT
	}
}

func (r ResolvedAddr) Family() int {
	if r.Network == "unix" {
		return unix.AF_UNIX
	}
	if r.TCP.IP == nil || r.TCP.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (r ResolvedAddr) Sockaddr() (unix.Sockaddr, error) {
	if r.Network == "unix" {
		return &unix.SockaddrUnix{Name: r.Unix.Name}, nil
	}
	ip := r.TCP.IP
	port := r.TCP.Port
	if ip == nil {
		ip = net.IPv4zero
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	v6 := ip.To16()
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], v6)
	return sa, nil
}

func (r ResolvedAddr) NetAddr() net.Addr {
	if r.Network == "unix" {
		return r.Unix
	}
	return r.TCP
}

// NewNonblockingSocket creates a close-on-exec, non-blocking stream
// socket for the given resolved family, per spec.md §4.1's connect()
// contract.
func NewNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// DisableSigpipe prefers MSG_NOSIGNAL at sendmsg time; Linux always
// supports it, so this is a no-op placeholder kept for symmetry with
// platforms (BSD/Darwin) that need SO_NOSIGPIPE per fd instead.
func DisableSigpipe(fd int) error { return nil }

// SockOpts carries the subset of socket.Options ApplyConnectOptions
// needs, letting this package stay free of any dependency back on
// package socket.
type SockOpts struct {
	ReuseAddr bool
	NoDelay   bool

	QuickAck   bool
	Congestion string
	SendBuffer int
	RecvBuffer int
	Linger     *time.Duration

	PreConnect []func(fd int) error
}

func ApplyConnectOptions(fd int, family int, opts SockOpts) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if family != unix.AF_UNIX && opts.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if family != unix.AF_UNIX && opts.QuickAck {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}
	if family != unix.AF_UNIX && opts.Congestion != "" {
		_ = unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, opts.Congestion)
	}
	if opts.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer); err != nil {
			return err
		}
	}
	if opts.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer); err != nil {
			return err
		}
	}
	if opts.Linger != nil {
		sec := int(*opts.Linger / time.Second)
		onoff := 1
		if sec < 0 {
			onoff = 0
			sec = 0
		}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: int32(onoff), Linger: int32(sec)}); err != nil {
			return err
		}
	}
	for _, hook := range opts.PreConnect {
		if err := hook(fd); err != nil {
			return err
		}
	}
	return nil
}

func BindLocal(fd int, bindAddr string, r ResolvedAddr) error {
	if bindAddr == "" {
		return nil
	}
	local, err := ResolveAddr(r.Network, bindAddr)
	if err != nil {
		return err
	}
	sa, err := local.Sockaddr()
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

// SendmsgFlags builds the MSG_* flags for one sendmsg call per
// spec.md §4.1: always MSG_NOSIGNAL|MSG_DONTWAIT; MSG_MORE for CORK,
// MSG_EOR for EOR.
func SendmsgFlags(cork, eor bool) int {
	flags := unix.MSG_NOSIGNAL | unix.MSG_DONTWAIT
	if cork {
		flags |= unix.MSG_MORE
	}
	if eor {
		flags |= unix.MSG_EOR
	}
	return flags
}

// IovMax caps the iovec count passed to one sendmsg call, per
// spec.md §4.1; excess segments are deferred to the next wakeup.
// Linux's UIO_MAXIOV (1024) bounds what the kernel accepts in one
// writev/sendmsg call.
const IovMax = 1024
