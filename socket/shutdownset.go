//go:build linux

package socket

import (
	"sync"

	"golang.org/x/sys/unix"
)

// ShutdownSet is the optional ShutdownSocketSet collaborator of
// spec.md §5: it tracks every live fd owned by Connections that
// register with it, providing a single emergency close-all-and-
// shutdown operation. Connections register on open and deregister on
// close.
type ShutdownSet struct {
	mu  sync.Mutex
	fds map[int]struct{}
}

func NewShutdownSet() *ShutdownSet {
	return &ShutdownSet{fds: make(map[int]struct{})}
}

// Add and Remove are exported so tlssocket.Connection, which owns its
// raw fd directly rather than through a *socket.Connection, can share
// the same ShutdownSet a plain socket.Connection registers with.
func (s *ShutdownSet) Add(fd int) {
	s.mu.Lock()
	s.fds[fd] = struct{}{}
	s.mu.Unlock()
}

func (s *ShutdownSet) Remove(fd int) {
	s.mu.Lock()
	delete(s.fds, fd)
	s.mu.Unlock()
}

// CloseAllAndShutdown issues shutdown(2)+close(2) on every tracked fd.
// It does not coordinate with the owning Connections — the intended
// use is process-teardown emergency cleanup, after which the owning
// Connections will observe read/write errors the normal way.
func (s *ShutdownSet) CloseAllAndShutdown() {
	s.mu.Lock()
	fds := make([]int, 0, len(s.fds))
	for fd := range s.fds {
		fds = append(fds, fd)
	}
	s.fds = make(map[int]struct{})
	s.mu.Unlock()

	for _, fd := range fds {
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		_ = unix.Close(fd)
	}
}
