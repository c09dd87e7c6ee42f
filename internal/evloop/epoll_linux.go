//go:build linux

package evloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EpollSource polls a single fd (the CM channel fd or the CQ channel fd)
// via epoll and relays readiness on a buffered channel, so Loop.run can
// select across both sources plus its idle tick uniformly.
type EpollSource struct {
	epfd   int
	fd     int
	events chan struct{}
	stop   chan struct{}
}

// NewEpollSource registers fd for EPOLLIN and starts the background
// goroutine that turns epoll_wait wakeups into channel sends.
func NewEpollSource(fd int) (*EpollSource, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add: %w", err)
	}

	s := &EpollSource{
		epfd:   epfd,
		fd:     fd,
		events: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go s.poll()
	return s, nil
}

func (s *EpollSource) poll() {
	events := make([]unix.EpollEvent, 1)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		n, err := unix.EpollWait(s.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n > 0 {
			select {
			case s.events <- struct{}{}:
			default:
				// a send is already pending; epoll is level-triggered, so an
				// fd that still has events reports ready again on the next
				// EpollWait and coalescing here loses nothing.
			}
		}
	}
}

func (s *EpollSource) Events() <-chan struct{} { return s.events }

func (s *EpollSource) Close() error {
	close(s.stop)
	return unix.Close(s.epfd)
}

// cmFdProvider and cqFdProvider are satisfied by the cgo-backed
// rdmacore.Listener/Connection; cmSignalProvider and cqSignalProvider are
// satisfied by rdmacore's loopback Listener/Connection used in tests. Using
// structural interfaces here instead of importing rdmacore keeps the event
// harness a layer below the RDMA primitives it polls.
type cmFdProvider interface{ CMFd() int }
type cqFdProvider interface{ CQFd() int }
type cmSignalProvider interface{ CMSignal() <-chan struct{} }
type cqSignalProvider interface{ CQSignal() <-chan struct{} }

// ResolveCMSource picks an epoll-backed Source when listener exposes a real
// fd, or a channel-backed Source when it only exposes a loopback signal.
func ResolveCMSource(listener any) (Source, error) {
	if fp, ok := listener.(cmFdProvider); ok {
		if fd := fp.CMFd(); fd >= 0 {
			return NewEpollSource(fd)
		}
	}
	if sp, ok := listener.(cmSignalProvider); ok {
		return ChannelSource(sp.CMSignal()), nil
	}
	return nil, fmt.Errorf("evloop: %T exposes neither a CM fd nor a CM signal", listener)
}

// ResolveCQSource is ResolveCMSource's counterpart for completion events.
func ResolveCQSource(conn any) (Source, error) {
	if fp, ok := conn.(cqFdProvider); ok {
		if fd := fp.CQFd(); fd >= 0 {
			return NewEpollSource(fd)
		}
	}
	if sp, ok := conn.(cqSignalProvider); ok {
		return ChannelSource(sp.CQSignal()), nil
	}
	return nil, fmt.Errorf("evloop: %T exposes neither a CQ fd nor a CQ signal", conn)
}
