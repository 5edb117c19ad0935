// Package messaging provides the NATS-backed cross-instance event relay.
// Rooms are normally pinned to one server instance by the load balancer, so
// most deployments run without it; when the two members of a room land on
// different instances (e.g., right after a failover), the relay mirrors
// each instance's published events to the other.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/duet/chat-app/internal/event"
)

// SubjectRoomEvents is the subject all room events are relayed on. Every
// instance subscribes to the same subject and filters out its own frames.
const SubjectRoomEvents = "room.events"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "duet-chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// relayFrame is the NATS payload: the event plus the name of the instance
// that published it, so subscribers can drop their own frames.
type relayFrame struct {
	Server string       `json:"server"`
	Event  *event.Event `json:"event"`
}

// Relay mirrors bus events across server instances. It implements
// bus.Relay.
type Relay struct {
	conn       *nats.Conn
	serverName string
	sub        *nats.Subscription
}

// NewRelay connects to NATS and returns a ready relay identified by
// serverName.
func NewRelay(config NATSConfig, serverName string) (*Relay, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Relay{conn: nc, serverName: serverName}, nil
}

// RelayEvent publishes a locally assigned event for other instances. It
// implements bus.Relay.
func (r *Relay) RelayEvent(ev *event.Event) error {
	data, err := json.Marshal(relayFrame{Server: r.serverName, Event: ev})
	if err != nil {
		return fmt.Errorf("nats: marshal relay frame: %w", err)
	}
	subject := fmt.Sprintf("%s.%d", SubjectRoomEvents, ev.RoomID)
	return r.conn.Publish(subject, data)
}

// Start subscribes to relayed events from all rooms and hands frames from
// other instances to deliver. Frames published by this instance are
// dropped; relayed events keep their origin-assigned sequence numbers.
func (r *Relay) Start(deliver func(ev *event.Event)) error {
	sub, err := r.conn.Subscribe(SubjectRoomEvents+".*", func(msg *nats.Msg) {
		var frame relayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Printf("[nats] bad relay frame on %s: %v", msg.Subject, err)
			return
		}
		if frame.Server == r.serverName || frame.Event == nil {
			return
		}
		deliver(frame.Event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectRoomEvents, err)
	}
	r.sub = sub
	return nil
}

// Close drains the subscription and the connection.
func (r *Relay) Close() {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			log.Printf("[nats] drain subscription: %v", err)
		}
	}
	if err := r.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] relay closed")
}
