package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. It satisfies
// presence.Conn so the registry can push frames to it and kick it.
type Connection struct {
	ID        string    // handle id (UUID), unique across instances
	UserID    string    // verified caller
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	lastSeen     atomic.Int64 // unix nanos of the last frame read from the client
	processing   atomic.Bool  // set while a worker reads a frame
	onKick       func(*Connection)
}

func newConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Touch records client activity.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last client activity.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Send implements presence.Conn.
func (c *Connection) Send(payload []byte) error {
	return c.WriteMessage(payload)
}

// Kick implements presence.Conn: it sends a close frame with code and reason
// and removes the connection from its server.
func (c *Connection) Kick(code int, reason string) {
	c.writeMu.Lock()
	c.setWriteDeadline()
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(body))
	c.writeMu.Unlock()

	if c.onKick != nil {
		c.onKick(c)
		return
	}
	_ = c.Close()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// clearWriteDeadline keeps one slow write from failing the next one.
func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

// ConnectionManager is a thread-safe registry of the connections of one
// server, indexed by handle id and by net.Conn for readiness lookups.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by id and closes it. It returns false when
// the connection was already gone, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byConn[c]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
