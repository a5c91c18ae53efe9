// Package reactor specifies the thin contract spec.md §6 calls the
// "Reactor Adapter": registration for readable/writable events on a
// file descriptor, and one-shot timers. The socket and tlssocket
// packages consume only this interface; NewEpollReactor is the default
// Linux implementation, grounded in the same epoll-centric event loop
// design used throughout the retrieval pack (nbio, ddio, gnet).
package reactor

import "time"

// EventMask is a bitset of the readiness conditions a Handler can be
// registered for.
type EventMask uint8

const (
	Read EventMask = 1 << iota
	Write
)

func (m EventMask) Has(bit EventMask) bool { return m&bit != 0 }

// Handler receives readiness upcalls. IOReady is invoked on the
// reactor's own goroutine with mask set to whichever of Read/Write
// became ready; a level-triggered reactor may call it again for the
// same condition until the registration's mask is changed or the
// registration is unregistered.
type Handler interface {
	IOReady(mask EventMask)
}

// Registration represents one fd's live registration with a Reactor.
type Registration interface {
	// Unregister removes the fd from the reactor. Safe to call more
	// than once; the second call is a no-op.
	Unregister() error
	// ChangeMask rearms the registration for a different interest set.
	ChangeMask(mask EventMask) error
	// ChangeFD re-points an existing registration at a different fd,
	// used by detachFd-adjacent flows where the logical connection
	// keeps its registration but the underlying fd is swapped out.
	ChangeFD(fd int) error
	// IsRegistered reports whether Unregister has not yet been called.
	IsRegistered() bool
}

// Timer is a handle to a scheduled one-shot callback.
type Timer interface {
	// Cancel prevents the timer from firing if it hasn't already.
	// Safe to call after it has fired or after a prior Cancel.
	Cancel()
	// IsScheduled reports whether the timer may still fire.
	IsScheduled() bool
}

// Reactor is the contract socket.Connection and tlssocket.Connection
// are built against. Every method, and every Handler/Timer callback
// resulting from it, must only ever be touched on the reactor's own
// goroutine — see IsInLoopThread.
type Reactor interface {
	// Register starts watching fd for the given mask, delivering
	// readiness to h. A connection holds at most one Registration at a
	// time; re-registering with a new mask is ChangeMask, not a second
	// Register call.
	Register(fd int, mask EventMask, h Handler) (Registration, error)

	// ScheduleTimeout arranges for f to run once, after d, on the
	// reactor's goroutine, unless canceled first.
	ScheduleTimeout(d time.Duration, f func()) Timer

	// IsInLoopThread reports whether the calling goroutine is the
	// reactor's own event-loop goroutine. socket.Connection asserts
	// this on every public entry point per spec.md §5: violations are
	// defects, not recoverable errors.
	IsInLoopThread() bool

	// Run drives the event loop until Stop is called. Run blocks; call
	// it from a dedicated goroutine.
	Run() error

	// Stop asks a running Run call to return.
	Stop()
}
