//go:build linux

// Package epoll is a minimal readiness notifier implementing
// udev.Registry on top of epoll(7).
package epoll

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ydb-platform/udevkit/udev"
)

var ErrNotRegistered = errors.New("epoll: descriptor not registered")

// Event is the readiness reported for one registration.
type Event struct {
	Token    udev.Token
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// Poller owns an epoll instance. Registrations are keyed by descriptor.
type Poller struct {
	fd int

	mu     sync.Mutex
	tokens map[int32]udev.Token
}

func Open() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{
		fd:     fd,
		tokens: make(map[int32]udev.Token),
	}, nil
}

func events(interest udev.Interest) uint32 {
	var ev uint32
	if interest&udev.Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&udev.Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	if interest&udev.EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func (p *Poller) ctl(op, fd int, interest udev.Interest) error {
	ev := unix.EpollEvent{Events: events(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *Poller) Register(fd int, token udev.Token, interest udev.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, interest); err != nil {
		return err
	}
	p.tokens[int32(fd)] = token
	return nil
}

func (p *Poller) Reregister(fd int, token udev.Token, interest udev.Interest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tokens[int32(fd)]; !ok {
		return ErrNotRegistered
	}
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, interest); err != nil {
		return err
	}
	p.tokens[int32(fd)] = token
	return nil
}

func (p *Poller) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tokens[int32(fd)]; !ok {
		return ErrNotRegistered
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	delete(p.tokens, int32(fd))
	return nil
}

// Wait fills events with ready registrations and returns how many it
// filled. A negative timeout waits indefinitely, zero polls. Positive
// timeouts are rounded up to whole milliseconds.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1).Milliseconds())
	}

	buf := make([]unix.EpollEvent, len(events))

	var (
		n   int
		err error
	)
	for {
		n, err = unix.EpollWait(p.fd, buf, msec)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	filled := 0
	for _, ev := range buf[:n] {
		token, ok := p.tokens[ev.Fd]
		if !ok {
			continue
		}
		events[filled] = Event{
			Token:    token,
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&unix.EPOLLHUP != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		}
		filled++
	}
	return filled, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
