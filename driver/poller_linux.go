//go:build linux

package driver

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux poller backend. The per-OS-file split mirrors
// socket515-gaio/watcher.go, which guards its whole package with the same
// "linux || darwin || ..." build tag this file narrows to linux.
type epollPoller struct {
	epfd int

	mu      sync.Mutex
	kinds   map[int]kind
	events  []unix.EpollEvent // reused scratch buffer
}

func openPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollPoller{
		epfd:   epfd,
		kinds:  make(map[int]kind),
		events: make([]unix.EpollEvent, maxPollerEvents),
	}, nil
}

func epollBits(want uint8) uint32 {
	ev := uint32(unix.EPOLLHUP | unix.EPOLLERR)
	if want&wantRead != 0 {
		ev |= unix.EPOLLIN
	}
	if want&wantWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) registerListener(fd int) error {
	p.mu.Lock()
	p.kinds[fd] = kindListener
	p.mu.Unlock()
	ev := unix.EpollEvent{Events: epollBits(wantRead), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll_ctl add listener")
}

func (p *epollPoller) registerConnector(fd int, want uint8) error {
	p.mu.Lock()
	p.kinds[fd] = kindConnector
	p.mu.Unlock()
	ev := unix.EpollEvent{Events: epollBits(want), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll_ctl add connector")
}

func (p *epollPoller) modifyConnector(fd int, want uint8) error {
	ev := unix.EpollEvent{Events: epollBits(want), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll_ctl mod connector")
}

func (p *epollPoller) unregister(fd int) error {
	p.mu.Lock()
	delete(p.kinds, fd)
	p.mu.Unlock()
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (p *epollPoller) wait(timeoutMS int) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	out := make([]readyEvent, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		k, ok := p.kinds[fd]
		if !ok {
			continue
		}
		var bits uint8
		if raw.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			bits |= wantRead
		}
		if raw.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
			bits |= wantWrite
		}
		out = append(out, readyEvent{fd: fd, kind: k, bits: bits})
	}
	p.mu.Unlock()
	return out, nil
}

func (p *epollPoller) close() error {
	return errors.Wrap(unix.Close(p.epfd), "close epoll fd")
}
