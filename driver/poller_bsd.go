//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package driver

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin poller backend, the kqueue counterpart of
// poller_linux.go's epoll backend -- both exist because socket515-gaio's own
// build-tag header (linux || darwin || netbsd || ...) documents exactly this
// split.
type kqueuePoller struct {
	kqfd int

	mu    sync.Mutex
	kinds map[int]kind
	want  map[int]uint8
	out   []unix.Kevent_t // reused scratch buffer
}

func openPoller() (poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	return &kqueuePoller{
		kqfd:  kqfd,
		kinds: make(map[int]kind),
		want:  make(map[int]uint8),
		out:   make([]unix.Kevent_t, maxPollerEvents),
	}, nil
}

func (p *kqueuePoller) applyFilters(fd int, want uint8) error {
	var changes []unix.Kevent_t
	if want&wantRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if want&wantWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	// EV_DELETE on a filter never registered returns ENOENT, which is benign.
	for i := range changes {
		_, err := unix.Kevent(p.kqfd, changes[i:i+1], nil, nil)
		if err != nil && changes[i].Flags&unix.EV_DELETE != 0 && err == unix.ENOENT {
			continue
		}
		if err != nil && changes[i].Flags&unix.EV_ADD != 0 {
			return errors.Wrap(err, "kevent register")
		}
	}
	return nil
}

func (p *kqueuePoller) registerListener(fd int) error {
	p.mu.Lock()
	p.kinds[fd] = kindListener
	p.want[fd] = wantRead
	p.mu.Unlock()
	return p.applyFilters(fd, wantRead)
}

func (p *kqueuePoller) registerConnector(fd int, want uint8) error {
	p.mu.Lock()
	p.kinds[fd] = kindConnector
	p.want[fd] = want
	p.mu.Unlock()
	return p.applyFilters(fd, want)
}

func (p *kqueuePoller) modifyConnector(fd int, want uint8) error {
	p.mu.Lock()
	p.want[fd] = want
	p.mu.Unlock()
	return p.applyFilters(fd, want)
}

func (p *kqueuePoller) unregister(fd int) error {
	p.mu.Lock()
	delete(p.kinds, fd)
	delete(p.want, fd)
	p.mu.Unlock()
	_ = p.applyFilters(fd, 0)
	return nil
}

func (p *kqueuePoller) wait(timeoutMS int) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMS) * int64(1e6))
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.out, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "kevent wait")
	}

	merged := make(map[int]uint8, n)
	var order []int
	p.mu.Lock()
	for i := 0; i < n; i++ {
		ev := p.out[i]
		fd := int(ev.Ident)
		if _, ok := p.kinds[fd]; !ok {
			continue
		}
		if _, seen := merged[fd]; !seen {
			order = append(order, fd)
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			merged[fd] |= wantRead
		case unix.EVFILT_WRITE:
			merged[fd] |= wantWrite
		}
	}

	out := make([]readyEvent, 0, len(order))
	for _, fd := range order {
		out = append(out, readyEvent{fd: fd, kind: p.kinds[fd], bits: merged[fd]})
	}
	p.mu.Unlock()
	return out, nil
}

func (p *kqueuePoller) close() error {
	return errors.Wrap(unix.Close(p.kqfd), "close kqueue fd")
}
