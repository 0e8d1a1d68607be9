//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// netpoll is the readiness source on platforms without epoll. Each chat
// socket gets a watcher goroutine that peeks one buffered byte. Frames are
// then read from that same buffer.
type netpoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watcher
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watcher struct {
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
}

func newNetpoll() (*netpoll, error) {
	return &netpoll{
		conns:   make(map[net.Conn]*watcher),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn for readable data.
func (p *netpoll) Add(conn net.Conn) error {
	w := &watcher{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	p.mu.Lock()
	p.conns[conn] = w
	p.mu.Unlock()

	go p.watch(conn, w)
	return nil
}

// watch hands conn to Wait once a byte or an error is pending and sleeps
// until Rearm. An error is handed over once, for the read path to see.
func (p *netpoll) watch(conn net.Conn, w *watcher) {
	for {
		_, err := w.br.Peek(1)
		select {
		case p.readyCh <- conn:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

// Reader returns the buffered reader that frames of conn must be read from.
func (p *netpoll) Reader(conn net.Conn) io.Reader {
	p.mu.Lock()
	w, ok := p.conns[conn]
	p.mu.Unlock()
	if !ok {
		return conn
	}
	return w.br
}

// Rearm resumes watching conn after the server finished reading from it.
func (p *netpoll) Rearm(conn net.Conn) {
	p.mu.Lock()
	w, ok := p.conns[conn]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

func (p *netpoll) Remove(conn net.Conn) error {
	p.mu.Lock()
	w, ok := p.conns[conn]
	delete(p.conns, conn)
	p.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that point.
func (p *netpoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

func (p *netpoll) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[net.Conn]*watcher)
	p.mu.Unlock()
	return nil
}
