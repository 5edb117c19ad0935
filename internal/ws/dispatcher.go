package ws

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/duet/chat-app/internal/delivery"
	"github.com/duet/chat-app/internal/metrics"
	"github.com/duet/chat-app/internal/presence"
	"github.com/duet/chat-app/internal/protocol"
	"github.com/duet/chat-app/internal/ratelimit"
)

// Dispatcher routes parsed inbound frames to the delivery coordinator and
// the presence tracker. Errors are reported back on the originating
// connection only; nothing about a bad frame reaches the peer.
type Dispatcher struct {
	coord   *delivery.Coordinator
	typing  *presence.Tracker
	limiter *ratelimit.Limiter // nil disables rate limiting
}

// NewDispatcher wires the dispatcher. The limiter may be nil.
func NewDispatcher(coord *delivery.Coordinator, typing *presence.Tracker, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{coord: coord, typing: typing, limiter: limiter}
}

// Dispatch handles one inbound text frame from a live connection. It runs on
// a read-pool worker goroutine; persistence I/O happens here, before any
// room lock is taken by the publish path.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, data []byte) {
	sess := c.Session

	eventName, payload, err := protocol.ParseClientFrame(data)
	if err != nil {
		code := protocol.CodeParseError
		if strings.Contains(err.Error(), "unknown client event") {
			code = protocol.CodeUnsupportedEvent
		}
		metrics.FramesRejected.WithLabelValues(code).Inc()
		d.sendError(c, code, err.Error())
		return
	}

	switch p := payload.(type) {
	case protocol.MessagePayload:
		d.handleMessage(ctx, c, p)
	case protocol.TypingPayload:
		d.typing.OnTypingSignal(sess.RoomID, sess.UserID, p.IsTyping)
	case protocol.ReactionPayload:
		d.handleReaction(ctx, c, p)
	default:
		// ParseClientFrame only returns the three types above.
		log.Printf("ws: unexpected payload type for event %q", eventName)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, c *Connection, p protocol.MessagePayload) {
	sess := c.Session

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, sess.UserID, ratelimit.RuleMessage)
		if err != nil {
			log.Printf("ws: rate limit check failed user=%s: %v", sess.UserID, err)
		}
		if !allowed {
			metrics.FramesRejected.WithLabelValues(protocol.CodeRateLimited).Inc()
			d.sendError(c, protocol.CodeRateLimited, "message rate limit exceeded, slow down")
			return
		}
	}

	_, err := d.coord.HandleMessage(ctx, sess.RoomID, sess.UserID, p.Content, p.Type, p.ReplyToID)
	if err != nil {
		code := errorCode(err)
		metrics.FramesRejected.WithLabelValues(code).Inc()
		d.sendError(c, code, err.Error())
	}
}

func (d *Dispatcher) handleReaction(ctx context.Context, c *Connection, p protocol.ReactionPayload) {
	sess := c.Session

	if p.Action != protocol.ActionAdd && p.Action != protocol.ActionRemove {
		metrics.FramesRejected.WithLabelValues(protocol.CodeParseError).Inc()
		d.sendError(c, protocol.CodeParseError, "reaction action must be add or remove")
		return
	}
	if p.MessageID == "" || p.ReactionType == "" {
		metrics.FramesRejected.WithLabelValues(protocol.CodeParseError).Inc()
		d.sendError(c, protocol.CodeParseError, "reaction requires message_id and reaction_type")
		return
	}

	_, err := d.coord.HandleReaction(ctx, sess.RoomID, sess.UserID, p.MessageID, p.ReactionType, p.Action == protocol.ActionAdd)
	if err != nil {
		code := errorCode(err)
		metrics.FramesRejected.WithLabelValues(code).Inc()
		d.sendError(c, code, err.Error())
	}
}

// sendError writes an error frame to the originating connection. A failed
// write is left to the read path to clean up.
func (d *Dispatcher) sendError(c *Connection, code, message string) {
	frame, err := protocol.NewErrorFrame(code, message)
	if err != nil {
		log.Printf("ws: build error frame: %v", err)
		return
	}
	if err := c.WriteMessage(frame); err != nil {
		log.Printf("ws: write error frame session=%s: %v", c.Session.ID, err)
	}
}

// errorCode maps coordinator sentinels to wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, delivery.ErrNotAMember):
		return protocol.CodeNotAMember
	case errors.Is(err, delivery.ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, delivery.ErrPersistenceUnavailable):
		return protocol.CodePersistenceUnavailable
	default:
		return protocol.CodePersistenceUnavailable
	}
}
