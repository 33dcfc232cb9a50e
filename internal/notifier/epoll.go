// Package notifier wraps epoll, the edge-triggered readiness multiplexer
// the engine blocks on. Every registration is EPOLLIN|EPOLLOUT|EPOLLHUP|ET:
// the engine is responsible for draining each endpoint to EAGAIN on every
// wake.
package notifier

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Events mirrors the readiness bits delivered for one fd.
type Events uint32

const (
	In  Events = unix.EPOLLIN
	Out Events = unix.EPOLLOUT
	Hup Events = unix.EPOLLHUP
	Err Events = unix.EPOLLERR
)

func (e Events) Readable() bool { return e&(In|Hup|Err) != 0 }
func (e Events) Writable() bool { return e&(Out|Err) != 0 }

// registrationMask is the fixed edge-triggered flag set every endpoint is
// registered with.
const registrationMask = uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLHUP | unix.EPOLLET)

// Notifier is a thin epoll wrapper keyed by raw fd.
type Notifier struct {
	epfd int
}

// New creates an epoll instance.
func New() (*Notifier, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("notifier: epoll_create1: %w", err)
	}
	return &Notifier{epfd: fd}, nil
}

// Add registers fd for edge-triggered IN|OUT|HUP events. The only data
// stored with the registration is fd itself, which Wait reports back in
// Event.FD; callers map it to their own state.
func (n *Notifier) Add(fd int) error {
	ev := unix.EpollEvent{Events: registrationMask, Fd: int32(fd)}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("notifier: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is not an error to remove an fd that was never
// added or was already closed (closing an fd implicitly removes it from
// epoll); the engine calls this defensively during endpoint teardown.
func (n *Notifier) Remove(fd int) error {
	err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("notifier: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Event is one readiness notification returned from Wait.
type Event struct {
	FD     int
	Events Events
}

// Wait blocks until at least one registered fd is ready, appending events
// into out (reusing its backing array) and returning the slice. It blocks
// indefinitely (timeout -1).
func (n *Notifier) Wait(out []Event) ([]Event, error) {
	var raw [256]unix.EpollEvent
	for {
		count, err := unix.EpollWait(n.epfd, raw[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return out[:0], fmt.Errorf("notifier: epoll_wait: %w", err)
		}
		out = out[:0]
		for i := 0; i < count; i++ {
			out = append(out, Event{FD: int(raw[i].Fd), Events: Events(raw[i].Events)})
		}
		return out, nil
	}
}

// Close releases the epoll fd.
func (n *Notifier) Close() error {
	return unix.Close(n.epfd)
}
