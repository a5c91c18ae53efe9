//go:build linux

package rawio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// RawSendmsg performs one vectored, non-blocking sendmsg(2) call with
// the given flags. x/sys/unix doesn't expose a vectored-plus-flags
// sendmsg wrapper (Sendmsg/SendmsgN only take a single buffer), so —
// the same way nbio and gnet's Linux backends do it — we build the
// iovec/msghdr ourselves and drive the raw syscall directly. iovs must
// already be capped at IovMax by the caller (spec.md §4.1).
func RawSendmsg(fd int, iovs [][]byte, flags int) (int, error) {
	if len(iovs) == 0 {
		return 0, nil
	}
	iovecs := make([]unix.Iovec, len(iovs))
	for i, b := range iovs {
		if len(b) == 0 {
			continue
		}
		iovecs[i].Base = &b[0]
		iovecs[i].SetLen(len(b))
	}
	msg := unix.Msghdr{
		Iov:    &iovecs[0],
		Iovlen: uint64(len(iovecs)),
	}
	n, _, errno := unix.Syscall(unix.SYS_SENDMSG, uintptr(fd), uintptr(unsafe.Pointer(&msg)), uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
