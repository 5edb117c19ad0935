package ws

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Interval time.Duration // ping cadence
	Timeout  time.Duration // grace after a ping before a connection is dead
}

// DefaultHeartbeatConfig returns the production defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches the background goroutine that pings every live
// connection and evicts the ones that stopped answering. Returns
// immediately; the goroutine exits when the server's done channel closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections evicts connections with no activity inside
// Interval+Timeout and pings the rest. Live users also get their roster
// entry refreshed here so the presence TTL outlives long idle stretches.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.conns.All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout session=%s user=%s last_activity=%s ago",
				c.Session.ID, c.Session.UserID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.Session.ID, err)
			server.RemoveConnection(c)
			continue
		}

		server.touchRoster(c.Session.UserID)
	}
}

// touchRoster refreshes the user's roster TTL. Failures are advisory.
func (s *Server) touchRoster(user string) {
	if s.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.roster.Touch(ctx, user); err != nil {
		log.Printf("ws: roster touch user=%s: %v", user, err)
	}
}
