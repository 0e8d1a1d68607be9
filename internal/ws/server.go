// Package ws handles WebSocket connection management: authenticated upgrades,
// epoll-driven frame reads on a bounded worker pool, heartbeats, and
// dispatching of client frames to handlers.
package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/auth"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for reading one frame
	WriteTimeout   time.Duration // timeout for writing one frame
	Heartbeat      HeartbeatConfig
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// poller is the readiness source: epoll on Linux, a goroutine fallback
// elsewhere.
type poller interface {
	Add(conn net.Conn) error
	Remove(conn net.Conn) error
	Wait() ([]net.Conn, error)
	Reader(conn net.Conn) io.Reader
	Rearm(conn net.Conn)
	Close() error
}

// Server upgrades authenticated HTTP requests to WebSocket, registers the
// connections with the poller, and reads ready connections on a bounded worker
// pool. It is an http.Handler; the HTTP listener belongs to the caller.
type Server struct {
	config       Config
	auth         Authenticator
	poll         poller
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	logger       *zap.Logger
	done         chan struct{}
	stopOnce     sync.Once
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame a client sends.
func NewServer(config Config, authn Authenticator, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	if config.WorkerPoolSize < 1 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		auth:       authn,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, heartbeat timeout, kick or close frame).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Start creates the readiness poller and starts the event loop and heartbeat.
// It returns immediately.
func (s *Server) Start() error {
	np, err := newNetpoll()
	if err != nil {
		return fmt.Errorf("ws: readiness poller: %w", err)
	}
	s.poll = np

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("websocket server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// ServeHTTP verifies the caller and upgrades the request using the gobwas/ws
// zero-copy upgrader.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.poll == nil {
		http.Error(w, "websocket server not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	id, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug("upgrade rejected", zap.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.String("user_id", id.UserID), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), id.UserID, conn, s.config.WriteTimeout)
	c.onKick = s.RemoveConnection
	s.conns.Add(c)

	if s.onConnect != nil {
		s.onConnect(c)
	}
	if err := s.poll.Add(conn); err != nil {
		s.logger.Error("poller add failed", zap.String("connection_id", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.logger.Debug("connection opened",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// startEventLoop runs the readiness loop and hands every ready connection to
// a worker, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("poller wait failed", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.poll.Rearm(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// handled without blocking on a data frame that may never arrive. Read errors
// remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// level-triggered epoll may report a connection a worker is already reading
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer func() { _ = netConn.SetReadDeadline(time.Time{}) }()
	}

	header, reader, err := wsutil.NextReader(s.poll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// a stale dispatch times out with no data; the heartbeat handles dead peers
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Warn("frame too large",
			zap.String("connection_id", c.ID), zap.Int64("bytes", header.Length))
		c.Kick(int(ws.StatusMessageTooBig), "frame too large")
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection removes a connection from the poller and the connection manager
// and closes it. Concurrent removals of the same connection run the
// disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poll != nil {
		_ = s.poll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	s.logger.Debug("connection closed",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// Connections returns the ConnectionManager for the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and heartbeat, closes every connection with
// a going-away frame, and releases the poller. The HTTP listener is shut down by
// its owner.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns.All() {
			c.Kick(int(ws.StatusGoingAway), "server shutting down")
		}
		if s.poll != nil {
			_ = s.poll.Close()
		}
		s.logger.Info("websocket server stopped")
	})
}
