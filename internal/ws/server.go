// Package ws is the WebSocket transport for the room delivery core. It
// upgrades HTTP connections, registers them as room sessions, feeds inbound
// frames to the dispatcher through an epoll-driven worker pool, and drains
// each session's outbound event queue to the wire.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duet/chat-app/internal/delivery"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/ratelimit"
	"github.com/duet/chat-app/internal/registry"
)

// RosterToucher refreshes a live user's roster TTL. Satisfied by
// roster.Store; nil disables refreshing.
type RosterToucher interface {
	Touch(ctx context.Context, user string) error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts room WebSocket connections on /ws. Each accepted connection
// becomes a registry session; one writer goroutine per session drains its
// bounded event queue, while reads are multiplexed through epoll and a
// bounded worker pool.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnManager
	reg        *registry.Registry
	members    delivery.Membership
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter // nil disables connect limiting
	roster     RosterToucher      // nil disables TTL refresh
	workerPool chan struct{}      // semaphore bounding concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer wires the transport. The limiter and roster may be nil.
func NewServer(config ServerConfig, reg *registry.Registry, members delivery.Membership, dispatcher *Dispatcher, limiter *ratelimit.Limiter, roster RosterToucher) *Server {
	return &Server{
		config:     config,
		conns:      NewConnManager(),
		reg:        reg,
		members:    members,
		dispatcher: dispatcher,
		limiter:    limiter,
		roster:     roster,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes epoll, mounts the HTTP handlers, starts the event loop
// and heartbeat, and blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade validates the room/user identity carried in the query string,
// checks membership and the connect rate limit before upgrading, and on
// success registers a session and starts its writer goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	room, err := strconv.ParseInt(q.Get("room_id"), 10, 64)
	if err != nil || room <= 0 {
		http.Error(w, "missing or invalid room_id", http.StatusBadRequest)
		return
	}
	user := q.Get("user_id")
	if user == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	device := q.Get("device_id")
	if device == "" {
		device = "web"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ok, err := s.members.IsMember(ctx, room, user)
	if err != nil {
		log.Printf("ws: membership check failed room=%d user=%s: %v", room, user, err)
		http.Error(w, "membership check unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, "not a member of this room", http.StatusForbidden)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, user, ratelimit.RuleConnect)
		if err != nil {
			log.Printf("ws: connect rate limit check failed user=%s: %v", user, err)
		}
		if !allowed {
			http.Error(w, "connect rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed room=%d user=%s: %v", room, user, err)
		return
	}

	sess, err := s.reg.Register(room, user, device)
	if errors.Is(err, registry.ErrSessionReplaced) {
		metrics.SessionsReplaced.Inc()
		log.Printf("ws: session replaced room=%d user=%s device=%s", room, user, device)
	} else if err != nil {
		log.Printf("ws: register failed room=%d user=%s: %v", room, user, err)
		conn.Close()
		return
	}

	c := &Connection{
		Session:  sess,
		Conn:     conn,
		Fd:       socketFD(conn),
		LastPing: time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed session=%s: %v", sess.ID, err)
		s.conns.Remove(sess.ID)
		s.reg.Unregister(sess)
		return
	}

	metrics.ConnectionsTotal.Inc()
	go s.writePump(c)

	log.Printf("ws: new connection room=%d user=%s device=%s session=%s fd=%d (total=%d)",
		room, user, device, sess.ID, c.Fd, s.conns.Count())
}

// writePump drains the session's outbound queue onto the wire. It exits when
// the session closes (disconnect, replacement, overflow, room close) or when
// a write fails; either way the connection is torn down.
func (s *Server) writePump(c *Connection) {
	sess := c.Session
	for {
		select {
		case ev := <-sess.Events():
			if ev == nil {
				continue
			}
			frame, err := ev.Frame()
			if err != nil {
				log.Printf("ws: encode event room=%d seq=%d: %v", ev.RoomID, ev.Seq, err)
				continue
			}
			if s.config.WriteTimeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			err = c.WriteMessage(frame)
			_ = c.Conn.SetWriteDeadline(time.Time{})
			if err != nil {
				log.Printf("ws: write failed session=%s seq=%d: %v", sess.ID, ev.Seq, err)
				s.RemoveConnection(c)
				return
			}
		case <-sess.Done():
			// Session closed by the registry or the bus. Tell the client why
			// before tearing the socket down; on reconnect it resyncs via the
			// history endpoint.
			reason := sess.CloseReason()
			if reason != "" && reason != registry.ReasonDisconnect {
				c.WriteClose(ws.StatusNormalClosure, reason)
			}
			s.RemoveConnection(c)
			return
		}
	}
}

// handleHealth reports connection count and uptime as JSON for the load
// balancer's health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    int    `json:"sessions"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Sessions:    s.reg.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, handing each ready connection to
// a pooled worker goroutine.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection via wsutil.NextReader,
// so control frames are serviced without blocking on a data frame. Read
// failures other than timeouts tear the connection down.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd to two workers.
	if !c.markProcessing() {
		return
	}
	defer c.clearProcessing()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Timeout means a stale readiness dispatch, not a dead peer; the
		// heartbeat owns dead-connection detection.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any inbound frame proves liveness.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.dispatcher.Dispatch(context.Background(), c, data)
}

// RemoveConnection tears a connection down: out of epoll, out of the manager,
// and its session out of the registry (which fires the presence edge). Safe
// to call from multiple goroutines; only the first caller proceeds past the
// manager removal.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.Session.ID) {
		return
	}

	metrics.ConnectionsTotal.Dec()
	s.reg.Unregister(c.Session)

	log.Printf("ws: connection closed room=%d user=%s session=%s reason=%s (total=%d)",
		c.Session.RoomID, c.Session.UserID, c.Session.ID, c.Session.CloseReason(), s.conns.Count())
}

// Connections exposes the connection manager, used by the heartbeat and
// tests.
func (s *Server) Connections() *ConnManager {
	return s.conns
}

// Shutdown stops the listener, the event loop, and every live connection.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}
	s.reg.Shutdown()

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether the error is an interrupted syscall, expected
// around signal delivery.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
