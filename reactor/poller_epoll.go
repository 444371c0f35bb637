//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// epollPoller is a Poller backed by Linux epoll, adapted from the
// teacher's core/poller/epoll.go: the same EpollCreate1/EpollCtl/EpollWait
// calls, generalized to report read/write/error/hangup distinctly instead
// of registering only EPOLLIN.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller creates the platform Poller (epoll on Linux).
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toEpollMask(e Event) uint32 {
	var m uint32
	if e.Has(Readable) {
		m |= unix.EPOLLIN
	}
	if e.Has(Writable) {
		m |= unix.EPOLLOUT
	}
	// Always watch for hangup/error; epoll reports these unconditionally
	// but being explicit keeps intent clear at the call site.
	m |= unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLHUP
	return m
}

func (p *epollPoller) Add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpollMask(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMs int) ([]Readiness, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]Readiness, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		r := Readiness{Fd: int(ev.Fd)}
		if ev.Events&(unix.EPOLLERR) != 0 {
			r.Err = int(unix.EIO)
		}
		if ev.Events&unix.EPOLLIN != 0 {
			r.Events |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.Events |= Writable
		}
		if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
			r.Events |= Disconnect
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
