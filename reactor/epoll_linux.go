//go:build linux

package reactor

import (
	"bytes"
	"container/heap"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nyan233/asyncsock/logger"
)

// epollReactor is the default Linux Reactor: one epoll fd, one poller
// goroutine, level-triggered registrations (no EPOLLET), and a
// min-heap of pending timeouts whose earliest deadline bounds the next
// epoll_wait call — the same "compute next deadline, pass it as the
// poll timeout" technique nbio and gnet use internally.
type epollReactor struct {
	epfd int
	log  logger.LLogger

	mu    sync.Mutex
	regs  map[int]*epollRegistration
	timer timerHeap

	wakeR, wakeW int // self-pipe-ish wakeup via eventfd

	loopGoroutine atomic.Value // holds the runtime goroutine marker
	running       atomic.Bool
	stopCh        chan struct{}
}

// NewEpollReactor constructs a Linux epoll-backed Reactor. Call Run on
// a dedicated goroutine before registering any fd.
func NewEpollReactor(log logger.LLogger) (Reactor, error) {
	if log == nil {
		log = logger.DefaultLogger
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	r := &epollReactor{
		epfd:   epfd,
		log:    log,
		regs:   make(map[int]*epollRegistration),
		wakeR:  wakeFd,
		wakeW:  wakeFd,
		stopCh: make(chan struct{}),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return r, nil
}

type epollRegistration struct {
	r          *epollReactor
	fd         int
	mask       EventMask
	h          Handler
	registered bool
}

func (reg *epollRegistration) Unregister() error {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()
	if !reg.registered {
		return nil
	}
	reg.registered = false
	delete(reg.r.regs, reg.fd)
	err := unix.EpollCtl(reg.r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

func (reg *epollRegistration) ChangeMask(mask EventMask) error {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()
	if !reg.registered {
		return errors.New("reactor: ChangeMask on unregistered fd")
	}
	reg.mask = mask
	return unix.EpollCtl(reg.r.epfd, unix.EPOLL_CTL_MOD, reg.fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(reg.fd),
	})
}

func (reg *epollRegistration) ChangeFD(fd int) error {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()
	if reg.registered {
		_ = unix.EpollCtl(reg.r.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
		delete(reg.r.regs, reg.fd)
	}
	reg.fd = fd
	reg.registered = true
	reg.r.regs[fd] = reg
	return unix.EpollCtl(reg.r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: maskToEpoll(reg.mask),
		Fd:     int32(fd),
	})
}

func (reg *epollRegistration) IsRegistered() bool {
	reg.r.mu.Lock()
	defer reg.r.mu.Unlock()
	return reg.registered
}

func maskToEpoll(mask EventMask) uint32 {
	var ev uint32
	if mask.Has(Read) {
		ev |= unix.EPOLLIN
	}
	if mask.Has(Write) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *epollReactor) Register(fd int, mask EventMask, h Handler) (Registration, error) {
	reg := &epollRegistration{r: r, fd: fd, mask: mask, h: h, registered: true}
	r.mu.Lock()
	r.regs[fd] = reg
	r.mu.Unlock()
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: maskToEpoll(mask),
		Fd:     int32(fd),
	}); err != nil {
		r.mu.Lock()
		delete(r.regs, fd)
		r.mu.Unlock()
		return nil, err
	}
	return reg, nil
}

type timerEntry struct {
	deadline time.Time
	f        func()
	canceled bool
	index    int
}

func (t *timerEntry) Cancel()            { t.canceled = true }
func (t *timerEntry) IsScheduled() bool  { return !t.canceled }

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (r *epollReactor) ScheduleTimeout(d time.Duration, f func()) Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &timerEntry{deadline: time.Now().Add(d), f: f}
	heap.Push(&r.timer, e)
	r.wake()
	return e
}

func (r *epollReactor) wake() {
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(r.wakeW, one[:])
}

func (r *epollReactor) IsInLoopThread() bool {
	v, ok := r.loopGoroutine.Load().(uint64)
	if !ok {
		return false
	}
	return v == goroutineID()
}

// goroutineID is the idiomatic (if slightly informal) Go stand-in for
// "current thread identity" IsInLoopThread needs: Go has no portable,
// cheap goroutine-ID API, so — like several runtime-introspection
// libraries in the wider ecosystem — we parse the numeric prefix out
// of a one-frame runtime.Stack dump. It's only used for an assertion,
// never for control flow correctness, so the cost is acceptable.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (r *epollReactor) Run() error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor: already running")
	}
	r.loopGoroutine.Store(goroutineID())
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-r.stopCh:
			return nil
		default:
		}
		timeout := r.nextTimeoutMillis()
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		r.runExpiredTimers()
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeR {
				var buf [8]byte
				_, _ = unix.Read(r.wakeR, buf[:])
				continue
			}
			r.mu.Lock()
			reg, ok := r.regs[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}
			var mask EventMask
			if ev.Events&unix.EPOLLIN != 0 {
				mask |= Read
			}
			if ev.Events&(unix.EPOLLOUT) != 0 {
				mask |= Write
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				mask |= Read | Write
			}
			if mask != 0 {
				reg.h.IOReady(mask)
			}
		}
	}
}

func (r *epollReactor) nextTimeoutMillis() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.timer.Len() > 0 && r.timer[0].canceled {
		heap.Pop(&r.timer)
	}
	if r.timer.Len() == 0 {
		return -1
	}
	d := time.Until(r.timer[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (r *epollReactor) runExpiredTimers() {
	now := time.Now()
	for {
		r.mu.Lock()
		if r.timer.Len() == 0 {
			r.mu.Unlock()
			return
		}
		top := r.timer[0]
		if top.canceled {
			heap.Pop(&r.timer)
			r.mu.Unlock()
			continue
		}
		if top.deadline.After(now) {
			r.mu.Unlock()
			return
		}
		heap.Pop(&r.timer)
		top.canceled = true // a fired timer can no longer fire
		r.mu.Unlock()
		top.f()
	}
}

func (r *epollReactor) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
		r.wake()
	}
}
