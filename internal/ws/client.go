package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/models"
)

var ErrClosed = errors.New("connection closed")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client is one websocket session. It is the presence.Handle the relay
// pushes to; each reconnect is a new Client.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn

	send chan []byte
	done chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	state     atomic.Int32
}

func newClient(hub *Hub, conn *websocket.Conn, id, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     id,
		userID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.cfg.SendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }
func (c *Client) State() State   { return State(c.state.Load()) }

// Push queues payload for the write pump. A full queue blocks until ctx
// is done, which the relay treats as a dead connection.
func (c *Client) Push(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session. Safe to call more than once and from any
// goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.cancel()
		close(c.done)
	})
}

// readPump handles inbound frames until the connection fails, then
// unregisters the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.relay.Registry().Unregister(context.Background(), c)
		c.Close()
		c.conn.Close()
		c.hub.log.Debug("websocket disconnected", zap.String("user", c.userID), zap.String("handle", c.id))
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read failed", zap.String("user", c.userID), zap.Error(err))
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.reply(errorEvent(apperr.Validation("malformed frame"), ""))
			continue
		}
		switch ev.Type {
		case models.EventSendMessage:
			c.handleSend(ev)
		default:
			c.reply(errorEvent(apperr.Validation("unknown event type %q", ev.Type), ev.ClientToken))
		}
	}
}

func (c *Client) handleSend(ev models.Event) {
	if c.hub.limiter != nil && !c.hub.limiter.Allow(c.userID) {
		c.reply(errorEvent(apperr.ErrRateLimited, ev.ClientToken))
		return
	}
	msg, err := c.hub.relay.Send(c.ctx, c.userID, ev.ReceiverID, ev.Body, ev.ClientToken)
	if err != nil {
		c.reply(errorEvent(err, ev.ClientToken))
		return
	}
	c.reply(models.Event{Type: models.EventMessageSent, Message: &msg, ClientToken: ev.ClientToken})
}

// reply sends an event to this session only.
func (c *Client) reply(ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.hub.log.Error("encode reply failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.hub.cfg.WriteWait)
	defer cancel()
	if err := c.Push(ctx, payload); err != nil {
		c.hub.log.Debug("reply dropped", zap.String("handle", c.id), zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.hub.cfg.WriteWait))
			return
		}
	}
}

func errorEvent(err error, clientToken string) models.Event {
	code := apperr.Code(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return models.Event{Type: models.EventError, Error: msg, Code: code, ClientToken: clientToken}
}
