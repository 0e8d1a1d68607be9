//go:build linux

package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxReadyBatch caps how many ready sockets one Wait returns.
const maxReadyBatch = 256

// netpoll reports chat sockets with pending frames using a level-triggered
// epoll set. Sockets are keyed by descriptor.
type netpoll struct {
	epfd    int
	mu      sync.RWMutex
	sockets map[int32]net.Conn
	ready   []unix.EpollEvent
}

func newNetpoll() (*netpoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &netpoll{
		epfd:    epfd,
		sockets: make(map[int32]net.Conn),
		ready:   make([]unix.EpollEvent, maxReadyBatch),
	}, nil
}

// Add watches conn for incoming frames and peer hangups.
func (p *netpoll) Add(conn net.Conn) error {
	fd, err := descriptor(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: fd}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	p.mu.Lock()
	p.sockets[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove stops watching conn. A socket the kernel already dropped, because
// it was closed first, is not an error.
func (p *netpoll) Remove(conn net.Conn) error {
	fd, err := descriptor(conn)
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.sockets, fd)
	p.mu.Unlock()

	err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for readable sockets. Interrupted waits are retried here, and a
// socket removed while the kernel was reporting it is left out.
func (p *netpoll) Wait() ([]net.Conn, error) {
	var n int
	for {
		var err error
		n, err = unix.EpollWait(p.epfd, p.ready, -1)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EBADF) {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]net.Conn, 0, n)
	for _, ev := range p.ready[:n] {
		if conn, ok := p.sockets[ev.Fd]; ok {
			out = append(out, conn)
		}
	}
	return out, nil
}

// Reader is conn itself: epoll reports readiness without consuming bytes.
func (p *netpoll) Reader(conn net.Conn) io.Reader { return conn }

// Rearm does nothing; a level-triggered set keeps reporting unread data.
func (p *netpoll) Rearm(net.Conn) {}

func (p *netpoll) Close() error {
	p.mu.Lock()
	p.sockets = make(map[int32]net.Conn)
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// descriptor returns conn's socket descriptor without dup'ing it, so the
// registration follows the live socket.
func descriptor(conn net.Conn) (int32, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return 0, fmt.Errorf("%T has no socket descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("raw conn: %w", err)
	}
	var fd int32
	if err := raw.Control(func(s uintptr) { fd = int32(s) }); err != nil {
		return 0, fmt.Errorf("raw conn control: %w", err)
	}
	return fd, nil
}
