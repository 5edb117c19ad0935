package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duet/chat-app/internal/registry"
)

// Connection binds a registry session to its underlying WebSocket
// transport. The write mutex serializes outbound frames from the writer
// pump and the heartbeat.
type Connection struct {
	Session  *registry.Session
	Conn     net.Conn
	Fd       int
	LastPing time.Time // last activity observed from the client

	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame on this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WriteClose sends a close frame with the given status and reason. Write
// errors are ignored; the connection is being torn down either way.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnManager maps session IDs and file descriptors to connections for O(1)
// lookup from both the epoll read path (by fd) and the delivery path (by
// session).
type ConnManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session ID -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnManager creates an empty ConnManager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.Session.ID] = c
	cm.byFd[c.Fd] = c
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes the underlying
// network connection. Returns true if the connection was found, false if it
// was already gone — callers use this to avoid double cleanup when the read
// path and the heartbeat race to remove the same connection.
func (cm *ConnManager) Remove(sessionID string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[sessionID]
	if ok {
		delete(cm.byID, sessionID)
		delete(cm.byFd, c.Fd)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for a session ID, or nil.
func (cm *ConnManager) Get(sessionID string) *Connection {
	cm.mu.RLock()
	c := cm.byID[sessionID]
	cm.mu.RUnlock()
	return c
}

// GetByConn resolves a net.Conn back to its Connection via the file
// descriptor. Returns nil if not found.
func (cm *ConnManager) GetByConn(conn net.Conn) *Connection {
	fd := socketFD(conn)
	cm.mu.RLock()
	c := cm.byFd[fd]
	cm.mu.RUnlock()
	return c
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of the current connections, safe to iterate
// without holding the lock.
func (cm *ConnManager) All() []*Connection {
	cm.mu.RLock()
	out := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		out = append(out, c)
	}
	cm.mu.RUnlock()
	return out
}

// markProcessing guards against duplicate dispatch from level-triggered
// epoll. Returns false if another worker is already reading the connection.
func (c *Connection) markProcessing() bool {
	return atomic.CompareAndSwapInt32(&c.processing, 0, 1)
}

func (c *Connection) clearProcessing() {
	atomic.StoreInt32(&c.processing, 0)
}
