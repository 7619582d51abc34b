package reactor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// regKind tags what a registered fd's event means to the loop.
type regKind int

const (
	regWritableSingle regKind = iota
	regReadableFanout
	regWritableFanout
	regSignal
	regTicker
)

// registration is the bookkeeping epollWait's Fd is looked up against.
type registration struct {
	kind   regKind
	nodeID string
	outIdx int // meaningful for regWritableFanout only
}

// wantedEvent returns the single epoll bit this registration was armed
// for. An event firing without that bit set — spec.md §4.4's "a
// writable event firing with no EV_WRITE bit set is ignored", applied
// uniformly to every registration kind — is not this registration's
// business and must not be dispatched.
func (r *registration) wantedEvent() uint32 {
	switch r.kind {
	case regWritableSingle, regWritableFanout:
		return unix.EPOLLOUT
	default:
		return unix.EPOLLIN
	}
}

// epoll wraps an epoll instance and the fd->registration table; it
// knows nothing about pipes or graphs, mirroring how internal/pipeio
// stays ignorant of scheduling (spec.md §9's layering note applied
// one level up).
type epoll struct {
	fd   int
	regs map[int]*registration
}

func newEpoll() (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epoll{fd: fd, regs: make(map[int]*registration)}, nil
}

func (e *epoll) add(fd int, events uint32, reg *registration) error {
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		return errors.Wrapf(err, "epoll_ctl(ADD, fd=%d)", fd)
	}
	e.regs[fd] = reg
	return nil
}

func (e *epoll) remove(fd int) {
	if _, ok := e.regs[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(e.regs, fd)
}

func (e *epoll) wait(events []unix.EpollEvent) (int, error) {
	n, err := unix.EpollWait(e.fd, events, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}
	return n, nil
}

func (e *epoll) close() error {
	return unix.Close(e.fd)
}
