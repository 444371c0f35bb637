//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is a Poller backed by BSD/Darwin kqueue: separate read and
// write filters are registered per fd so Readiness can distinguish
// Readable from Writable.
type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
}

// NewPoller creates the platform Poller (kqueue on BSD/Darwin).
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{
		kq:     kq,
		events: make([]unix.Kevent_t, maxEvents),
	}, nil
}

func (p *kqueuePoller) register(fd int, events Event, enable bool) error {
	var changes []unix.Kevent_t
	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if !enable {
		flags = unix.EV_DELETE
	}

	if enable && !events.Has(Readable) {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE,
		})
	} else {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags,
		})
	}

	if enable && !events.Has(Writable) {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE,
		})
	} else {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags,
		})
	}

	// Best-effort: deleting a filter that was never added returns ENOENT,
	// which we tolerate since it means there is nothing to remove.
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Add(fd int, events Event) error {
	return p.register(fd, events, true)
}

func (p *kqueuePoller) Modify(fd int, events Event) error {
	return p.register(fd, events, true)
}

func (p *kqueuePoller) Remove(fd int) error {
	return p.register(fd, None, false)
}

func (p *kqueuePoller) Wait(timeoutMs int) ([]Readiness, error) {
	var ts unix.Timespec
	tsPtr := &ts
	if timeoutMs < 0 {
		tsPtr = nil
	} else {
		ts.Sec = int64(timeoutMs / 1000)
		ts.Nsec = int64((timeoutMs % 1000) * 1_000_000)
	}

	n, err := unix.Kevent(p.kq, nil, p.events, tsPtr)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	byFd := make(map[int]*Readiness, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)
		r, ok := byFd[fd]
		if !ok {
			r = &Readiness{Fd: fd}
			byFd[fd] = r
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			r.Err = int(ev.Data)
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			r.Events |= Readable
			if ev.Flags&unix.EV_EOF != 0 {
				r.Events |= Disconnect
			}
		case unix.EVFILT_WRITE:
			r.Events |= Writable
			if ev.Flags&unix.EV_EOF != 0 {
				r.Events |= Disconnect
			}
		}
	}

	out := make([]Readiness, 0, len(byFd))
	for _, r := range byFd {
		out = append(out, *r)
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
